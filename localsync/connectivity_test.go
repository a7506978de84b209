// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectivityMonitorReportsTransitions(t *testing.T) {
	var mu sync.Mutex
	reachable := true
	probe := func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		return reachable
	}

	monitor := NewConnectivityMonitor(probe, 5*time.Millisecond, nil)

	var transitions []bool
	monitor.SetOnTransition(func(online bool) {
		mu.Lock()
		transitions = append(transitions, online)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)

	require.Eventually(t, monitor.Online, time.Second, time.Millisecond)

	mu.Lock()
	reachable = false
	mu.Unlock()
	require.Eventually(t, func() bool { return !monitor.Online() }, time.Second, time.Millisecond)

	mu.Lock()
	reachable = true
	mu.Unlock()
	require.Eventually(t, monitor.Online, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Only edges are reported, one per state flip.
	require.Equal(t, []bool{false, true}, transitions)
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError) // reachable is enough
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.URL, srv.Client())
	require.True(t, probe(context.Background()))

	srv.Close()
	require.False(t, probe(context.Background()))
}

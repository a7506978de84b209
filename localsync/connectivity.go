// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc reports whether the backend is reachable right now.
type ProbeFunc func(ctx context.Context) bool

// ConnectivityMonitor polls a reachability probe and reports edge
// transitions. It deliberately knows nothing about sync; the caller wires
// the transition callback to the orchestrator (typically SetOnline plus an
// immediate RunSyncCycle on the offline-to-online edge).
type ConnectivityMonitor struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger

	online int32

	mu           sync.Mutex
	onTransition func(online bool)
}

// NewConnectivityMonitor creates a monitor that assumes online until the
// first probe says otherwise.
func NewConnectivityMonitor(probe ProbeFunc, interval time.Duration, logger *slog.Logger) *ConnectivityMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ConnectivityMonitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		online:   1,
	}
}

// SetOnTransition registers the callback invoked on every online/offline
// edge. Set it before Start.
func (m *ConnectivityMonitor) SetOnTransition(fn func(online bool)) {
	m.mu.Lock()
	m.onTransition = fn
	m.mu.Unlock()
}

// Online returns the last observed connectivity state.
func (m *ConnectivityMonitor) Online() bool { return atomic.LoadInt32(&m.online) == 1 }

// Start launches the polling loop; it stops when the context is cancelled.
// The first probe runs immediately so callers don't wait a full interval for
// the initial state.
func (m *ConnectivityMonitor) Start(ctx context.Context) {
	go func() {
		m.check(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}()
}

func (m *ConnectivityMonitor) check(ctx context.Context) {
	online := m.probe(ctx)
	v := int32(0)
	if online {
		v = 1
	}
	prev := atomic.SwapInt32(&m.online, v)
	if prev == v {
		return
	}

	m.logger.Info("Connectivity changed", "online", online)
	m.mu.Lock()
	fn := m.onTransition
	m.mu.Unlock()
	if fn != nil {
		fn(online)
	}
}

// HTTPProbe returns a probe that treats any HTTP response from the given URL
// as reachable. Only transport-level failure means offline; a 5xx still
// proves the network path works.
func HTTPProbe(url string, client *http.Client) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apexbusiness-systems/jubeeloveai-sub002/internal/auth"
)

func TestJWTGenerateAndValidate(t *testing.T) {
	jwtAuth := NewJWTAuth("secret")

	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	claims, err := jwtAuth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-1", claims.DeviceID)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	jwtAuth := NewJWTAuth("secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", -time.Minute)
	require.NoError(t, err)

	_, err = jwtAuth.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRequestExtraction(t *testing.T) {
	jwtAuth := NewJWTAuth("secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	userID, err := jwtAuth.GetUserID(r)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	deviceID, err := jwtAuth.GetDeviceID(r)
	require.NoError(t, err)
	require.Equal(t, "device-1", deviceID)

	r.Header.Del("Authorization")
	_, err = jwtAuth.GetUserID(r)
	require.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	jwtAuth := NewJWTAuth("secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	var gotUser, gotDevice string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.UserID(r.Context())
		gotDevice, _ = auth.DeviceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Valid token reaches the handler with identity in context.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-1", gotUser)
	require.Equal(t, "device-1", gotDevice)

	// Missing and malformed headers stop at the middleware.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token abc")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

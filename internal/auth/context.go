// Copyright 2025 Apex Business Systems
// SPDX-License-Identifier: Apache-2.0

// Package auth carries authenticated identity through request contexts.
package auth

import "context"

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	deviceIDKey contextKey = "device_id"
)

// WithIdentity stores the authenticated user and device in the context.
func WithIdentity(ctx context.Context, userID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// UserID retrieves the authenticated user ID from the context.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// DeviceID retrieves the authenticated device ID from the context.
func DeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	ownerIDKey  contextKey = "owner_id"
	deviceIDKey contextKey = "device_id"
)

// SetOwnerID sets the owner (user) ID in the context
func SetOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// GetOwnerID retrieves the owner ID from the context. Empty values count as absent.
func GetOwnerID(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(ownerIDKey).(string)
	return ownerID, ok && ownerID != ""
}

// SetDeviceID sets the device ID in the context
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the device ID from the context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok && deviceID != ""
}

// SetIdentity sets both owner and device ID in context
func SetIdentity(ctx context.Context, ownerID, deviceID string) context.Context {
	ctx = SetOwnerID(ctx, ownerID)
	ctx = SetDeviceID(ctx, deviceID)
	return ctx
}

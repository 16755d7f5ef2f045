// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	kioskIDKey   ctxKey = "kiosk_id"
)

// ContextWithRequestID stores the provided request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithKioskID stores the kiosk serving the current request in the context.
func ContextWithKioskID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, kioskIDKey, id)
}

// RequestIDFromContext extracts the request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// KioskIDFromContext extracts the kiosk ID from context if present.
func KioskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(kioskIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns the base logger enriched with any IDs carried by ctx.
func FromContext(ctx context.Context) zerolog.Logger {
	l := logger()
	if id := RequestIDFromContext(ctx); id != "" {
		l = l.With().Str(FieldRequestID, id).Logger()
	}
	if id := KioskIDFromContext(ctx); id != "" {
		l = l.With().Str(FieldKioskID, id).Logger()
	}
	return l
}

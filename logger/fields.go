package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across warden.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldScanID   = "scan_id"
	FieldClientID = "client_id"
	FieldCaller   = "caller"

	// Operations
	FieldMethod = "method"
	FieldPath   = "path"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError  = "error"
	FieldReason = "reason"

	// Domain
	FieldTarget   = "target"
	FieldState    = "state"
	FieldSeverity = "severity"
	FieldCount    = "count"
)

// Context keys for propagating logging context
type contextKey string

const scanIDKey contextKey = "logger_scan_id"

// WithScanID adds a scan ID to the context for logging
func WithScanID(ctx context.Context, scanID string) context.Context {
	return context.WithValue(ctx, scanIDKey, scanID)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if scanID, ok := ctx.Value(scanIDKey).(string); ok && scanID != "" {
		fields = append(fields, FieldScanID, scanID)
	}
	return fields
}

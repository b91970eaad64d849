package common

import (
	"context"
)

// LoggerInterface defines the logging interface used throughout the application
// This allows for dependency injection and better testability
type LoggerInterface interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Importantf(format string, args ...interface{})
}

// EventSink receives one Event per renewal lifecycle milestone.
// Implementations must be safe for concurrent use when zones are processed in parallel.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// EventSinkFunc adapts a function to the EventSink interface
type EventSinkFunc func(ctx context.Context, event Event)

// Emit calls f(ctx, event)
func (f EventSinkFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

// ContextKey represents context keys used in the application
type ContextKey string

const (
	// ContextKeyRunID identifies one renewal run
	ContextKeyRunID ContextKey = "run_id"
	// ContextKeyRequestID is used for request tracing
	ContextKeyRequestID ContextKey = "request_id"
	// ContextKeyZone carries the DNS zone id being processed
	ContextKeyZone ContextKey = "zone"
	// ContextKeyDomain is used for domain-specific operations
	ContextKeyDomain ContextKey = "domain"
	// ContextKeyOperation is used to track the current operation
	ContextKeyOperation ContextKey = "operation"
)

package common

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultOperationTimeout is the default timeout for operations
const DefaultOperationTimeout = 30 * time.Second

// DefaultNetworkTimeout is the default timeout for network operations
const DefaultNetworkTimeout = 10 * time.Second

// DefaultDNSLookupTimeout is the default timeout for DNS lookup operations
const DefaultDNSLookupTimeout = 5 * time.Second

// WithTimeout creates a context with a timeout for the operation
func WithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}

// WithOperationTimeout creates a context with the default operation timeout
func WithOperationTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return WithTimeout(parent, DefaultOperationTimeout)
}

// WithDNSTimeout creates a context with the default DNS timeout
func WithDNSTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return WithTimeout(parent, DefaultDNSLookupTimeout)
}

// WithRunID tags the context with the id of the current renewal run
func WithRunID(parent context.Context, runID string) context.Context {
	return context.WithValue(parent, ContextKeyRunID, runID)
}

// GetRunID retrieves the run id from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(ContextKeyRunID).(string); ok {
		return runID
	}
	return ""
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

// WithRequestID adds a unique request ID to the context for tracing
func WithRequestID(parent context.Context) context.Context {
	return context.WithValue(parent, ContextKeyRequestID, generateRequestID())
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return requestID
	}
	return "unknown"
}

// WithZone adds the DNS zone id to the context
func WithZone(parent context.Context, zoneID string) context.Context {
	return context.WithValue(parent, ContextKeyZone, zoneID)
}

// GetZone retrieves the DNS zone id from the context
func GetZone(ctx context.Context) string {
	if zone, ok := ctx.Value(ContextKeyZone).(string); ok {
		return zone
	}
	return ""
}

// WithDomain adds domain information to the context
func WithDomain(parent context.Context, domain string) context.Context {
	return context.WithValue(parent, ContextKeyDomain, domain)
}

// GetDomain retrieves the domain from the context
func GetDomain(ctx context.Context) string {
	if domain, ok := ctx.Value(ContextKeyDomain).(string); ok {
		return domain
	}
	return ""
}

// WithOperation adds operation information to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, ContextKeyOperation, operation)
}

// GetOperation retrieves the operation from the context
func GetOperation(ctx context.Context) string {
	if operation, ok := ctx.Value(ContextKeyOperation).(string); ok {
		return operation
	}
	return ""
}

// IsContextCanceled checks if the context has been canceled or timed out
func IsContextCanceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// GetContextError returns an appropriate ApplicationError for context cancellation/timeout
func GetContextError(ctx context.Context, operation string) *ApplicationError {
	err := ctx.Err()
	if err == nil {
		return nil
	}

	var errorType ErrorType
	var message string

	switch {
	case errors.Is(err, context.Canceled):
		errorType = ErrorTypeValidation
		message = "Operation was canceled"
	case errors.Is(err, context.DeadlineExceeded):
		errorType = ErrorTypeNetwork
		message = "Operation timed out"
	default:
		errorType = ErrorTypeValidation
		message = "Context error occurred"
	}

	appErr := WrapError(err, errorType, operation, message).
		AddContext("request_id", GetRequestID(ctx))

	if runID := GetRunID(ctx); runID != "" {
		_ = appErr.AddContext("run_id", runID)
	}
	if zone := GetZone(ctx); zone != "" {
		_ = appErr.AddContext("zone", zone)
	}
	if domain := GetDomain(ctx); domain != "" {
		_ = appErr.AddContext("domain", domain)
	}

	switch {
	case errors.Is(err, context.Canceled):
		_ = appErr.AddSuggestion("Check if the run was intentionally interrupted")
	case errors.Is(err, context.DeadlineExceeded):
		_ = appErr.AddSuggestion("Increase the run timeout if the ACME server is slow").
			AddSuggestion("Check network connectivity and server responsiveness")
	}

	return appErr
}

// generateRequestID creates a unique request ID for tracing
func generateRequestID() string {
	return "req_" + uuid.NewString()
}

// CreateOperationContext creates a context for a specific operation with timeout and tracing
func CreateOperationContext(parent context.Context, operation string, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := WithRequestID(parent)
	ctx = WithOperation(ctx, operation)
	return WithTimeout(ctx, timeout)
}

// CreateDomainContext tags a context for one domain's renewal attempt
func CreateDomainContext(parent context.Context, zoneID, domain string) context.Context {
	ctx := WithRequestID(parent)
	ctx = WithZone(ctx, zoneID)
	ctx = WithDomain(ctx, domain)
	return WithOperation(ctx, "renew_domain")
}

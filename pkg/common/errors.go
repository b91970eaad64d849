package common

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents different categories of errors in the application
type ErrorType string

const (
	// ErrorTypeConfig represents invalid or incomplete configuration
	ErrorTypeConfig ErrorType = "CONFIG"
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "NETWORK"
	// ErrorTypeDNS represents DNS provider and lookup errors
	ErrorTypeDNS ErrorType = "DNS"
	// ErrorTypeStorage represents file/storage-related errors
	ErrorTypeStorage ErrorType = "STORAGE"
	// ErrorTypeACME represents ACME protocol errors
	ErrorTypeACME ErrorType = "ACME"
	// ErrorTypeCertificate represents certificate processing errors
	ErrorTypeCertificate ErrorType = "CERTIFICATE"
	// ErrorTypeValidation represents input validation errors
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeAccount is returned when the ACME account cannot be loaded or registered
	ErrorTypeAccount ErrorType = "ACCOUNT"
	// ErrorTypeChallengePublish is returned when the DNS-01 record cannot be written
	ErrorTypeChallengePublish ErrorType = "CHALLENGE_PUBLISH"
	// ErrorTypeChallengeValidation is returned when the CA marks a challenge invalid
	ErrorTypeChallengeValidation ErrorType = "CHALLENGE_VALIDATION"
	// ErrorTypeChallengeTimeout is returned when a challenge stays pending past its bound
	ErrorTypeChallengeTimeout ErrorType = "CHALLENGE_TIMEOUT"
	// ErrorTypeDownload is returned when the issued chain could not be downloaded
	ErrorTypeDownload ErrorType = "CERTIFICATE_DOWNLOAD"
	// ErrorTypeImport is returned when the secret store rejects a certificate
	ErrorTypeImport ErrorType = "SECRET_STORE_IMPORT"
	// ErrorTypeAmbiguousDNS is returned when more than one record exists for a proof name
	ErrorTypeAmbiguousDNS ErrorType = "AMBIGUOUS_DNS"
)

// ApplicationError is our custom error type that provides structured error information
type ApplicationError struct {
	Type        ErrorType
	Operation   string                 // What operation was being performed
	Resource    string                 // What resource was involved (e.g., domain, zone, file)
	Message     string                 // Human-readable error message
	Underlying  error                  // The original error that caused this
	Context     map[string]interface{} // Additional context for debugging
	Suggestions []string               // Helpful suggestions for resolving the error
}

// Error implements the error interface
func (e *ApplicationError) Error() string {
	var parts []string

	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("[%s] %s", e.Type, e.Operation))
	} else {
		parts = append(parts, string(e.Type))
	}

	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource=%s", e.Resource))
	}

	parts = append(parts, e.Message)
	result := strings.Join(parts, ": ")

	if e.Underlying != nil {
		result += fmt.Sprintf(" (cause: %v)", e.Underlying)
	}

	return result
}

// Unwrap returns the underlying error for error chaining
func (e *ApplicationError) Unwrap() error {
	return e.Underlying
}

// IsType checks if the error is of a specific type
func (e *ApplicationError) IsType(errorType ErrorType) bool {
	return e.Type == errorType
}

// WithResource records the resource the error refers to
func (e *ApplicationError) WithResource(resource string) *ApplicationError {
	e.Resource = resource
	return e
}

// AddContext adds additional context to the error
func (e *ApplicationError) AddContext(key string, value interface{}) *ApplicationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// AddSuggestion adds a helpful suggestion for resolving the error
func (e *ApplicationError) AddSuggestion(suggestion string) *ApplicationError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// GetDetailedMessage returns a detailed error message including context and suggestions
func (e *ApplicationError) GetDetailedMessage() string {
	message := e.Error()

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for key := range e.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, key := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, e.Context[key]))
		}
		message += fmt.Sprintf("\nContext: %s", strings.Join(contextParts, ", "))
	}

	if len(e.Suggestions) > 0 {
		message += "\nSuggestions:"
		for _, suggestion := range e.Suggestions {
			message += fmt.Sprintf("\n  - %s", suggestion)
		}
	}

	return message
}

// NewApplicationError creates a new application error
func NewApplicationError(errorType ErrorType, operation, message string) *ApplicationError {
	return &ApplicationError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application context
func WrapError(underlying error, errorType ErrorType, operation, message string) *ApplicationError {
	return &ApplicationError{
		Type:       errorType,
		Operation:  operation,
		Message:    message,
		Underlying: underlying,
		Context:    make(map[string]interface{}),
	}
}

// IsApplicationError checks if an error is an ApplicationError
func IsApplicationError(err error) bool {
	var appErr *ApplicationError
	return errors.As(err, &appErr)
}

// GetApplicationError extracts the outermost ApplicationError from an error chain
func GetApplicationError(err error) *ApplicationError {
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsErrorType reports whether any ApplicationError in the chain has the given type.
// Joined errors are searched as well.
func IsErrorType(err error, errorType ErrorType) bool {
	if err == nil {
		return false
	}
	if appErr, ok := err.(*ApplicationError); ok && appErr.Type == errorType {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if IsErrorType(inner, errorType) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return IsErrorType(x.Unwrap(), errorType)
	}
	return false
}

// Common error creation helpers for specific error types

// NewConfigError creates a configuration-related error
func NewConfigError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeConfig, operation, message).
		AddSuggestion("Check your configuration file syntax and values").
		AddSuggestion("Use -print-config-template to see a valid template")
}

// NewNetworkError creates a network-related error. underlying may be nil.
func NewNetworkError(underlying error, operation, message string) *ApplicationError {
	return WrapError(underlying, ErrorTypeNetwork, operation, message).
		AddSuggestion("Check your network connectivity").
		AddSuggestion("Verify firewall settings and proxy configuration")
}

// NewDNSError creates a DNS-related error. underlying may be nil.
func NewDNSError(underlying error, operation, message string) *ApplicationError {
	return WrapError(underlying, ErrorTypeDNS, operation, message).
		AddSuggestion("Verify the DNS provider credentials and zone id")
}

// NewStorageError creates a storage-related error. underlying may be nil.
func NewStorageError(underlying error, operation, message string) *ApplicationError {
	return WrapError(underlying, ErrorTypeStorage, operation, message).
		AddSuggestion("Check file permissions and disk space").
		AddSuggestion("Ensure parent directory exists")
}

// NewACMEError creates an ACME protocol error
func NewACMEError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeACME, operation, message).
		AddSuggestion("Check ACME server status and connectivity").
		AddSuggestion("Verify account credentials and rate limits")
}

// NewCertificateError creates a certificate processing error
func NewCertificateError(underlying error, operation, message string) *ApplicationError {
	return WrapError(underlying, ErrorTypeCertificate, operation, message).
		AddSuggestion("Check certificate format and chain")
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *ApplicationError {
	return NewApplicationError(ErrorTypeValidation, operation, message).
		AddSuggestion("Check input format and values").
		AddSuggestion("Refer to documentation for valid formats")
}

// NewAccountError creates an ACME account provisioning error
func NewAccountError(underlying error, operation, message string) *ApplicationError {
	return WrapError(underlying, ErrorTypeAccount, operation, message).
		AddSuggestion("Check the account key file in the data directory").
		AddSuggestion("Verify the contact email and ACME directory URL")
}

// NewChallengePublishError creates an error for a failed DNS-01 record write
func NewChallengePublishError(underlying error, operation, message string) *ApplicationError {
	return WrapError(underlying, ErrorTypeChallengePublish, operation, message).
		AddSuggestion("Check that the DNS API token may edit the zone")
}

// NewImportError creates a secret store import error
func NewImportError(underlying error, operation, message string) *ApplicationError {
	return WrapError(underlying, ErrorTypeImport, operation, message).
		AddSuggestion("Check the Key Vault access policy for certificate import").
		AddSuggestion("Use -import-pending to retry archived bundles without re-issuing")
}

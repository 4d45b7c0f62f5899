// Package errors defines the categorized error taxonomy used by the payment
// verification engine. Categories drive the transient-vs-permanent split in
// the resolution state machine.
package errors

import (
	"errors"
	"fmt"

	"github.com/payment-verifier/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryProvider represents blockchain/rate provider errors (transient)
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents persistence errors (transient)
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors (transient)
	CategoryCache ErrorCategory = "cache"
	// CategoryUnsupportedNetwork represents payments on networks outside the
	// allow-list (permanent for that payment)
	CategoryUnsupportedNetwork ErrorCategory = "unsupported_network"
	// CategoryValidation represents malformed input (permanent)
	CategoryValidation ErrorCategory = "validation"
	// CategorySystem represents unexpected internal errors
	CategorySystem ErrorCategory = "system"
)

// CategorizedError is an error with a category, stable code and optional cause
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError for API responses
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewProviderError wraps a blockchain provider failure
func NewProviderError(network string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryProvider,
		Code:     "PROVIDER_ERROR",
		Message:  fmt.Sprintf("blockchain provider error on network %s", network),
		Cause:    cause,
		Details: map[string]interface{}{
			"network": network,
		},
	}
}

// NewProviderTimeoutError creates a provider timeout error
func NewProviderTimeoutError(network string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryProvider,
		Code:     "PROVIDER_TIMEOUT",
		Message:  fmt.Sprintf("blockchain provider timeout on network %s", network),
		Details: map[string]interface{}{
			"network": network,
		},
	}
}

// NewUnsupportedNetworkError marks a payment's network as outside the
// verification allow-list
func NewUnsupportedNetworkError(network string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryUnsupportedNetwork,
		Code:     "UNSUPPORTED_NETWORK",
		Message:  fmt.Sprintf("network not supported for verification: %s", network),
		Details: map[string]interface{}{
			"network": network,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryDatabase,
		Code:     "DATABASE_ERROR",
		Message:  fmt.Sprintf("database error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryCache,
		Code:     "CACHE_ERROR",
		Message:  fmt.Sprintf("cache error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewValidationError creates a validation error
func NewValidationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryValidation,
		Code:     "VALIDATION_ERROR",
		Message:  fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategorySystem,
		Code:     "INTERNAL_ERROR",
		Message:  message,
		Cause:    cause,
	}
}

// Categorize coerces an arbitrary error into a CategorizedError
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// IsRetryable determines whether the failure is transient and the payment
// should be left pending for the next cycle
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase, CategoryCache:
		return true
	default:
		return false
	}
}

// IsUnsupportedNetwork reports whether the error marks a network outside the
// verification allow-list
func IsUnsupportedNetwork(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryUnsupportedNetwork
}

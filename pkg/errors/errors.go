// Package errors provides the structured error taxonomy shared by the pool services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeProtocol marks a malformed or out-of-order Stratum message
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeStaleJob marks a share that references an obsolete job
	ErrorTypeStaleJob ErrorType = "stale_job"
	// ErrorTypeNodeUnavailable marks a failed RPC call to the blockchain node
	ErrorTypeNodeUnavailable ErrorType = "node_unavailable"
	// ErrorTypeInsufficientBalance marks a payout skipped for lack of pool funds
	ErrorTypeInsufficientBalance ErrorType = "insufficient_balance"
	// ErrorTypePersistence marks a failed store write
	ErrorTypePersistence ErrorType = "persistence"

	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap wraps an existing error with context. A nil err yields nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByDefault(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// ProtocolError reports a malformed or out-of-order Stratum message.
func ProtocolError(operation, message string) *ServiceError {
	return New(ErrorTypeProtocol, operation, message)
}

// StaleJobError reports a share that references a job no longer being worked.
func StaleJobError(jobID string) *ServiceError {
	return New(ErrorTypeStaleJob, "validate_share", "job is stale or unknown").
		WithContext("job_id", jobID)
}

// NodeUnavailableError wraps a failed call to the blockchain node. It is
// retryable unless the caller cancelled.
func NodeUnavailableError(err error, method string) *ServiceError {
	se := Wrap(err, ErrorTypeNodeUnavailable, method, "blockchain node call failed")
	if se == nil {
		return New(ErrorTypeNodeUnavailable, method, "blockchain node call failed")
	}
	se.Retryable = !errors.Is(err, context.Canceled)
	return se
}

// InsufficientBalanceError reports that the pool wallet cannot cover a payout.
func InsufficientBalanceError(minerID string, need, have string) *ServiceError {
	return New(ErrorTypeInsufficientBalance, "payout", "pool balance below payout amount").
		WithContext("miner_id", minerID).
		WithContext("amount", need).
		WithContext("pool_balance", have)
}

// PersistenceError wraps a failed store operation.
func PersistenceError(err error, operation string) *ServiceError {
	return Wrap(err, ErrorTypePersistence, operation, "store write failed")
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeNodeUnavailable:
		return true
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transient := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
		"database is locked",
	}

	for _, pattern := range transient {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsType checks if any error in the chain is of a specific type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

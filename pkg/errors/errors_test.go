package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeNodeUnavailable,
				Operation: "getblocktemplate",
				Message:   "blockchain node call failed",
				Cause:     errors.New("connection refused"),
			},
			expected: "node_unavailable operation 'getblocktemplate' failed: blockchain node call failed (caused by: connection refused)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeProtocol,
				Operation: "mining.submit",
				Message:   "unauthorized worker",
			},
			expected: "protocol operation 'mining.submit' failed: unauthorized worker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypePersistence, "insert_share", "store write failed").
		WithContext("miner_id", "alice").
		WithContext("attempt", 2)

	if len(err.Context) != 2 {
		t.Fatalf("Expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["miner_id"] != "alice" {
		t.Errorf("Expected miner_id = 'alice', got %v", err.Context["miner_id"])
	}
	if err.Context["attempt"] != 2 {
		t.Errorf("Expected attempt = 2, got %v", err.Context["attempt"])
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(cause, ErrorTypeNetwork, "dial", "wrapped message")

	if err.Type != ErrorTypeNetwork {
		t.Errorf("Expected type %v, got %v", ErrorTypeNetwork, err.Type)
	}
	if err.Cause != cause {
		t.Errorf("Expected cause %v, got %v", cause, err.Cause)
	}

	if nilErr := Wrap(nil, ErrorTypeNetwork, "test", "test"); nilErr != nil {
		t.Errorf("Expected nil when wrapping nil error, got %v", nilErr)
	}

	inner := New(ErrorTypeTimeout, "rpc", "deadline")
	outer := Wrap(fmt.Errorf("call: %w", inner), ErrorTypeInternal, "refresh", "refresh failed")
	if !outer.Retryable {
		t.Error("Expected retryability to be inherited from a wrapped ServiceError")
	}
}

func TestTaxonomyConstructors(t *testing.T) {
	tests := []struct {
		name      string
		err       *ServiceError
		errorType ErrorType
		retryable bool
	}{
		{"protocol", ProtocolError("mining.submit", "bad params"), ErrorTypeProtocol, false},
		{"stale job", StaleJobError("1a"), ErrorTypeStaleJob, false},
		{"node unavailable", NodeUnavailableError(errors.New("connection refused"), "getbalance"), ErrorTypeNodeUnavailable, true},
		{"node unavailable without cause", NodeUnavailableError(nil, "getbalance"), ErrorTypeNodeUnavailable, true},
		{"node timeout", NodeUnavailableError(fmt.Errorf("post: %w", context.DeadlineExceeded), "getbalance"), ErrorTypeNodeUnavailable, true},
		{"node call cancelled", NodeUnavailableError(context.Canceled, "getbalance"), ErrorTypeNodeUnavailable, false},
		{"insufficient balance", InsufficientBalanceError("alice", "2", "1"), ErrorTypeInsufficientBalance, false},
		{"persistence", PersistenceError(errors.New("disk full"), "insert_share"), ErrorTypePersistence, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.errorType {
				t.Errorf("Type = %v, want %v", tt.err.Type, tt.errorType)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
		})
	}

	if GetContext(StaleJobError("1a"))["job_id"] != "1a" {
		t.Error("Expected stale job error to carry the job id")
	}
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeNetwork, "test", "test")

	if !IsType(err, ErrorTypeNetwork) {
		t.Error("Expected IsType to return true for matching type")
	}
	if IsType(err, ErrorTypePersistence) {
		t.Error("Expected IsType to return false for non-matching type")
	}
	if IsType(errors.New("regular error"), ErrorTypeNetwork) {
		t.Error("Expected IsType to return false for regular error")
	}

	nested := Wrap(PersistenceError(errors.New("locked"), "insert_share"), ErrorTypeInternal, "submit", "ledger append failed")
	if !IsType(nested, ErrorTypePersistence) {
		t.Error("Expected IsType to find a nested persistence error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network type", New(ErrorTypeNetwork, "test", "test"), true},
		{"validation type", New(ErrorTypeValidation, "test", "test"), false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"connection refused", errors.New("connection refused"), true},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"unknown error", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetContext(t *testing.T) {
	err := New(ErrorTypePersistence, "test", "test").WithContext("key1", "value1")

	if ctx := GetContext(err); ctx["key1"] != "value1" {
		t.Errorf("Expected key1 = 'value1', got %v", ctx["key1"])
	}
	if ctx := GetContext(errors.New("regular error")); ctx != nil {
		t.Errorf("Expected nil context for regular error, got %v", ctx)
	}
}

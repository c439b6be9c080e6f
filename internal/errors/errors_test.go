package errors

import (
	"fmt"
	"testing"
)

func TestOperationError(t *testing.T) {
	tests := []struct {
		name     string
		err      *OperationError
		expected string
	}{
		{
			name: "full error",
			err: &OperationError{
				Operation: "clone repository",
				Component: "gitclient",
				Resource:  "github.com/acme/infra",
				Cause:     fmt.Errorf("authentication failed"),
			},
			expected: "failed to clone repository, component: gitclient, resource: github.com/acme/infra, cause: authentication failed",
		},
		{
			name: "minimal error",
			err: &OperationError{
				Operation: "parse hcl",
				Cause:     fmt.Errorf("invalid syntax"),
			},
			expected: "failed to parse hcl, cause: invalid syntax",
		},
		{
			name: "no cause",
			err: &OperationError{
				Operation: "validate config",
				Component: "config",
			},
			expected: "failed to validate config, component: config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("OperationError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestOperationError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("underlying error")
	err := &OperationError{Operation: "test", Cause: cause}

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	errNoCause := &OperationError{Operation: "test"}
	if unwrapped := errNoCause.Unwrap(); unwrapped != nil {
		t.Errorf("Unwrap() with no cause = %v, want nil", unwrapped)
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := New(KindInference, true, "call inference endpoint", fmt.Errorf("throttled"))
	permanent := New(KindResourceNotFound, false, "locate resource", nil)

	if !IsRetryable(retryable) {
		t.Error("expected retryable error to report retryable")
	}
	if IsRetryable(permanent) {
		t.Error("expected permanent error to report not retryable")
	}
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("expected plain error to report not retryable")
	}
}

func TestKindOf(t *testing.T) {
	err := New(KindDedupStore, false, "write record", nil)
	if got := KindOf(err); got != KindDedupStore {
		t.Errorf("KindOf() = %q, want %q", got, KindDedupStore)
	}
	if got := KindOf(fmt.Errorf("plain")); got != "" {
		t.Errorf("KindOf() on plain error = %q, want empty", got)
	}
}

func TestFailedTo(t *testing.T) {
	tests := []struct {
		name     string
		action   string
		cause    error
		expected string
	}{
		{"with cause", "connect to dedup store", fmt.Errorf("connection refused"), "failed to connect to dedup store: connection refused"},
		{"without cause", "start server", nil, "failed to start server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FailedTo(tt.action, tt.cause)
			if err.Error() != tt.expected {
				t.Errorf("FailedTo() = %q, want %q", err.Error(), tt.expected)
			}
		})
	}
}

func TestFailedToWithDetails(t *testing.T) {
	cause := fmt.Errorf("timeout")
	err := FailedToWithDetails("fetch violations", "monitor", "page=3", cause)

	opErr, ok := err.(*OperationError)
	if !ok {
		t.Fatalf("FailedToWithDetails() should return *OperationError, got %T", err)
	}
	if opErr.Operation != "fetch violations" {
		t.Errorf("Operation = %q", opErr.Operation)
	}
	if opErr.Component != "monitor" {
		t.Errorf("Component = %q", opErr.Component)
	}
	if opErr.Resource != "page=3" {
		t.Errorf("Resource = %q", opErr.Resource)
	}
	if opErr.Cause != cause {
		t.Errorf("Cause = %v, want %v", opErr.Cause, cause)
	}
}

func TestWrapf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		format   string
		args     []interface{}
		expected string
	}{
		{"wrap with message", fmt.Errorf("original error"), "additional context: %s", []interface{}{"test"}, "additional context: test: original error"},
		{"nil error", nil, "should not wrap", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Wrapf(tt.err, tt.format, tt.args...)
			if tt.err == nil {
				if result != nil {
					t.Errorf("Wrapf(nil) = %v, want nil", result)
				}
				return
			}
			if result.Error() != tt.expected {
				t.Errorf("Wrapf() = %q, want %q", result.Error(), tt.expected)
			}
		})
	}
}

func TestWithContextChaining(t *testing.T) {
	err := New(KindRepoHost, true, "create pull request", nil).
		WithComponent("prcreator").
		WithResource("acme/infra#42").
		WithContext("rate_limit_remaining", 12)

	if err.Component != "prcreator" {
		t.Errorf("Component = %q", err.Component)
	}
	if err.Resource != "acme/infra#42" {
		t.Errorf("Resource = %q", err.Resource)
	}
	if err.Context["rate_limit_remaining"] != 12 {
		t.Errorf("Context[rate_limit_remaining] = %v", err.Context["rate_limit_remaining"])
	}
}

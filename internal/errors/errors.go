// Package errors provides TerraFix's error taxonomy: every error
// produced by the pipeline carries a kind, a retryable flag, and a
// context bag so callers can classify and log it without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the subsystem that produced it, per the
// taxonomy in the pipeline's error handling design.
type Kind string

const (
	KindMonitorAPI           Kind = "monitor-api"
	KindParseHCL             Kind = "parse-hcl"
	KindInference            Kind = "inference"
	KindRepoHost             Kind = "repo-host"
	KindDedupStore           Kind = "dedup-store"
	KindResourceNotFound     Kind = "resource-not-found"
	KindResourceNotMapped    Kind = "resource-not-mapped"
	KindConfig               Kind = "config"
	KindTerraformValidation  Kind = "terraform-validation"
)

// OperationError describes a failed operation: what was attempted,
// which component attempted it, which resource it concerned, and what
// caused it to fail. Modeled on the pattern: "failed to <operation>,
// component: <component>, resource: <resource>, cause: <cause>".
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error

	Kind      Kind
	Retryable bool
	Context   map[string]any
}

func (e *OperationError) Error() string {
	msg := "failed to " + e.Operation
	if e.Component != "" {
		msg += ", component: " + e.Component
	}
	if e.Resource != "" {
		msg += ", resource: " + e.Resource
	}
	if e.Cause != nil {
		msg += ", cause: " + e.Cause.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err (or anything it wraps) is a
// retryable OperationError.
func IsRetryable(err error) bool {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Retryable
	}
	return false
}

// KindOf returns the Kind of err, or "" if err is not an OperationError.
func KindOf(err error) Kind {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return ""
}

// New constructs an OperationError with the given kind and retryable flag.
func New(kind Kind, retryable bool, operation string, cause error) *OperationError {
	return &OperationError{
		Operation: operation,
		Kind:      kind,
		Retryable: retryable,
		Cause:     cause,
	}
}

// WithContext attaches a context key/value and returns the same error
// for chaining.
func (e *OperationError) WithContext(key string, value any) *OperationError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithResource sets the Resource field and returns the same error for
// chaining.
func (e *OperationError) WithResource(resource string) *OperationError {
	e.Resource = resource
	return e
}

// WithComponent sets the Component field and returns the same error
// for chaining.
func (e *OperationError) WithComponent(component string) *OperationError {
	e.Component = component
	return e
}

// FailedTo builds a plain error of the form "failed to <action>: <cause>"
// (or just "failed to <action>" when cause is nil).
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds an *OperationError carrying operation,
// component, and resource context.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{
		Operation: operation,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf wraps err with an additional formatted message, or returns nil
// if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}

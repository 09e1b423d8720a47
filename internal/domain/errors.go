package domain

import (
	"errors"
	"fmt"
)

// UnknownFieldError reports a rule referencing a field missing from the catalog.
type UnknownFieldError struct {
	Field string
	Path  string
}

func (e *UnknownFieldError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("unknown field %q", e.Field)
	}
	return fmt.Sprintf("unknown field %q at %s", e.Field, e.Path)
}

// InvalidRuleError reports a rule or group that cannot be compiled.
type InvalidRuleError struct {
	RuleID string
	Path   string
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	msg := "invalid rule"
	if e.RuleID != "" {
		msg += " " + e.RuleID
	}
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Field != "" {
		msg += " (field " + e.Field + ")"
	}
	return msg + ": " + e.Reason
}

// EvaluationError wraps a store failure while running a compiled predicate.
type EvaluationError struct {
	Fragment string
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("audience evaluation failed for %s: %v", e.Fragment, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// BridgeUnavailableError reports that the language model could not be used.
// It is logged by the bridge and never surfaced to API callers.
type BridgeUnavailableError struct {
	Reason string
	Err    error
}

func (e *BridgeUnavailableError) Error() string {
	if e.Err == nil {
		return "suggestion bridge unavailable: " + e.Reason
	}
	return fmt.Sprintf("suggestion bridge unavailable: %s: %v", e.Reason, e.Err)
}

func (e *BridgeUnavailableError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is a rule validation failure.
func IsValidationError(err error) bool {
	var unknown *UnknownFieldError
	var invalid *InvalidRuleError
	return errors.As(err, &unknown) || errors.As(err, &invalid)
}

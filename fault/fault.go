// Package fault carries the error kinds the engine reports to its callers.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindValidation          Kind = "validation"
	KindConditionEvaluation Kind = "condition_evaluation"
	KindActionExecution     Kind = "action_execution"
	KindApprovalExpired     Kind = "approval_expired"
	KindSystem              Kind = "system"
	KindNotFound            Kind = "not_found"
	KindDenied              Kind = "denied"
	KindConflict            Kind = "conflict"
)

// Error is a classified error. Retryable is only meaningful for
// KindActionExecution and KindSystem.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause lets errors.Cause walk through a fault.
func (e *Error) Cause() error { return e.cause }

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Denied(format string, args ...interface{}) *Error {
	return New(KindDenied, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func ApprovalExpired(format string, args ...interface{}) *Error {
	return New(KindApprovalExpired, format, args...)
}

// System reports an infrastructure failure (queue full, repository down).
func System(err error, format string, args ...interface{}) *Error {
	f := Wrap(err, KindSystem, format, args...)
	f.Retryable = true
	return f
}

// ActionExecution wraps a handler failure.
func ActionExecution(err error, retryable bool, format string, args ...interface{}) *Error {
	f := Wrap(err, KindActionExecution, format, args...)
	f.Retryable = retryable
	return f
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if f, ok := As(err); ok {
		return f.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsRetryable(err error) bool {
	f, ok := As(err)
	return ok && f.Retryable
}

// Message returns the innermost human readable message of err, stripped of
// the kind prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if f, ok := As(err); ok {
		if f.cause != nil {
			if f.Message == "" {
				return f.cause.Error()
			}
			return fmt.Sprintf("%s: %v", f.Message, f.cause)
		}
		return f.Message
	}
	return err.Error()
}

package action

import (
	"github.com/pkg/errors"
)

type transientError struct {
	error
}

func (e transientError) Unwrap() error { return e.error }
func (e transientError) Cause() error  { return e.error }
func (e transientError) Temporary() bool {
	return true
}

// Transient marks err as worth retrying under the rule's retry policy.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err}
}

// IsTransient reports whether any error in the chain reports
// Temporary() == true.
func IsTransient(err error) bool {
	for err != nil {
		if t, ok := err.(interface{ Temporary() bool }); ok && t.Temporary() {
			return true
		}
		next := errors.Unwrap(err)
		if next == nil {
			if c, ok := err.(interface{ Cause() error }); ok {
				next = c.Cause()
			}
		}
		err = next
	}
	return false
}

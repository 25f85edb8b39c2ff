package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no task row exists for the requested id.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is wrapped by TransitionError.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrNoChange is returned from an update callback to abandon the
	// write without failing.
	ErrNoChange = errors.New("no change")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ServiceError is the catch-all for failures outside the typed taxonomy.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Service wraps err as a ServiceError for op. A nil err stays nil.
func Service(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Op: op, Err: err}
}

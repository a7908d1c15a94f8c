package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for engine and service operations.
var (
	ErrNotFound          = errors.New("not found")
	ErrTaskNotFound      = fmt.Errorf("task %w", ErrNotFound)
	ErrRuleNotFound      = fmt.Errorf("rule %w", ErrNotFound)
	ErrTargetNotFound    = fmt.Errorf("target %w", ErrNotFound)
	ErrAccountNotFound   = fmt.Errorf("account %w", ErrNotFound)
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrEngineStopped     = errors.New("engine stopped")
)

// ValidationError rejects bad input before any state is mutated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransitionError reports an operation attempted from a status that does not allow it.
type TransitionError struct {
	Op   string
	From TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s a %s task", ErrIllegalTransition, e.Op, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// CollaboratorError wraps a failure of the automation client or the store.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func automationErr(op string, err error) error {
	return &CollaboratorError{Collaborator: "automation", Op: op, Err: err}
}

func storeErr(op string, err error) error {
	return &CollaboratorError{Collaborator: "store", Op: op, Err: err}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrDuplicateCode is returned when registering a rule whose code already exists.
var ErrDuplicateCode = errors.New("achievement code already exists")

var (
	// ErrNonFiniteStat rejects NaN and infinite stat writes.
	ErrNonFiniteStat = errors.New("stat value must be a finite number")
	// ErrNegativeStat rejects writes that would leave a counter below zero.
	ErrNegativeStat = errors.New("stat value cannot be negative")
)

// PersistenceError wraps a collaborator failure. The engine never retries on its
// own; callers decide whether to repeat the operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable reports that the failed operation is safe to repeat.
func (e *PersistenceError) Retryable() bool { return true }

// IsRetryable reports whether err came from a storage failure or a timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

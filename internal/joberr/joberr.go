// Package joberr classifies stage handler failures.
//
// Handlers wrap failures as Transient or Permanent; the worker engine alone
// decides whether that means a retry or a dead letter. Unclassified errors
// are treated as transient.
package joberr

import (
	"errors"
	"fmt"
)

type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ExhaustedRetriesError is raised by the engine, never by handlers.
type ExhaustedRetriesError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("exhausted retries after %d attempts: %v", e.Attempts, e.Err)
}
func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

func Exhausted(attempts int, err error) error {
	return &ExhaustedRetriesError{Attempts: attempts, Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsExhausted(err error) bool {
	var e *ExhaustedRetriesError
	return errors.As(err, &e)
}

type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Classify returns the retry class of err. Permanent wins over transient when
// both appear in the chain; timeouts and anything unclassified are transient.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case IsPermanent(err):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

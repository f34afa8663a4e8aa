package errors

import (
	"errors"
	"fmt"
)

// ServeError wraps a failure raised by a user serve function. It is returned
// synchronously to the caller of Run; the paired update job is not enqueued
// because the serve result would be undefined.
type ServeError struct {
	Component string
	Instance  string
	FlowKey   string
	Err       error
}

// Error implements the error interface
func (e *ServeError) Error() string {
	return fmt.Sprintf("serve %s/%s flow %q: %v", e.Component, e.Instance, e.FlowKey, e.Err)
}

// Unwrap returns the user function's error
func (e *ServeError) Unwrap() error {
	return e.Err
}

// UpdateError wraps a failure raised by a user update function. It is recorded
// against the job, never surfaced into an unrelated caller's Run; state is
// left untouched by the failed job.
type UpdateError struct {
	Component string
	Instance  string
	FlowKey   string
	Seq       uint64
	Err       error
}

// Error implements the error interface
func (e *UpdateError) Error() string {
	return fmt.Sprintf("update %s/%s flow %q seq %d: %v", e.Component, e.Instance, e.FlowKey, e.Seq, e.Err)
}

// Unwrap returns the user function's error
func (e *UpdateError) Unwrap() error {
	return e.Err
}

// MigrationError wraps a per-instance migration failure. It is collected in
// the migration result list and does not abort the batch.
type MigrationError struct {
	Component string
	Instance  string
	Err       error
}

// Error implements the error interface
func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrate %s/%s: %v", e.Component, e.Instance, e.Err)
}

// Unwrap returns the underlying error
func (e *MigrationError) Unwrap() error {
	return e.Err
}

// AsServeError extracts a ServeError from an error chain
func AsServeError(err error) (*ServeError, bool) {
	var se *ServeError
	ok := errors.As(err, &se)
	return se, ok
}

// AsUpdateError extracts an UpdateError from an error chain
func AsUpdateError(err error) (*UpdateError, bool) {
	var ue *UpdateError
	ok := errors.As(err, &ue)
	return ue, ok
}

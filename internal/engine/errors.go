package engine

import "errors"

// ErrInstanceNotFound is returned when a lookup matches no workflow instance.
var ErrInstanceNotFound = errors.New("workflow instance not found")

// ErrNoPendingEvent is returned when a signal arrives for an instance with no
// matching event wait. Such signals are dropped, never queued.
var ErrNoPendingEvent = errors.New("no pending event wait for signal")

// ErrWorkflowNotRegistered is returned when starting an unknown workflow.
var ErrWorkflowNotRegistered = errors.New("workflow not registered")

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps an error so the activity executor fails immediately instead of
// retrying. Use it for business failures like a missing record, which signal
// a consistency bug rather than a transient condition.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err carries the non-retryable marker.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

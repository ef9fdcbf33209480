package pipeline

import (
	"errors"
	"fmt"
)

// ErrObjectNotFound is returned by ObjectStore implementations when a key
// does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrManifestNotFound indicates the unit's manifest has not landed yet.
// Callers treat it as "wait", not as a failure: the manifest write may still
// be in flight or invisible to an eventually consistent listing.
var ErrManifestNotFound = errors.New("manifest not found")

// ErrRetryExhausted is returned when transient failures persisted past the
// retry deadline.
var ErrRetryExhausted = errors.New("retry deadline exceeded for transient failure")

// transientError marks a failure as retryable (network, timeout, throttling).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked
// transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// RemoteError is a terminal failure reported by the remote service. It fails
// the unit rather than being retried.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote operation failed: %s", e.Message)
}

package vacalibration

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("vacalibration: no store configured")
	ErrStoreClosed = errors.New("vacalibration: store closed")

	// ErrUnavailable reports that a backing store or the dispatch queue could
	// not be reached. It is transient and never changes job state.
	ErrUnavailable = errors.New("vacalibration: backend unavailable")

	// Not found errors.
	ErrJobNotFound    = errors.New("vacalibration: job not found")
	ErrBatchNotFound  = errors.New("vacalibration: batch not found")
	ErrHandleNotFound = errors.New("vacalibration: dispatch handle not found")
	ErrCacheMiss      = errors.New("vacalibration: cache miss")

	// Conflict errors. ErrJobConflict means a conditional job write lost to
	// another writer; the caller re-reads the job and tries again.
	ErrJobAlreadyExists = errors.New("vacalibration: job already exists")
	ErrJobConflict      = errors.New("vacalibration: job changed concurrently")

	// State errors.
	ErrInvalidTransition  = errors.New("vacalibration: invalid state transition")
	ErrJobNotFinished     = errors.New("vacalibration: job has not finished")
	ErrMaxRetriesExceeded = errors.New("vacalibration: max retries exceeded")

	// Request errors.
	ErrInvalidInput         = errors.New("vacalibration: invalid input")
	ErrConfirmationRequired = errors.New("vacalibration: confirmation required")
	ErrForbidden            = errors.New("vacalibration: forbidden")
)

// Unavailable wraps a backend failure so that it matches both ErrUnavailable
// and the original cause with errors.Is. It returns nil for a nil error.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrHandleNotFound)
}

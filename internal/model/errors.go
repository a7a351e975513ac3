package model

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")

	// ErrOverflow is delivered to a stream subscriber that fell too far behind.
	ErrOverflow = errors.New("subscriber overflow")
	// ErrTransient marks network or store failures that may succeed on retry.
	ErrTransient = errors.New("transient failure")
	// ErrFatal marks unrecoverable local failures; never retried.
	ErrFatal = errors.New("fatal failure")
	// ErrSyncConflict is informational: the reconciler had to pick a winner.
	ErrSyncConflict = errors.New("sync conflict resolved")
	// ErrCancelled terminates a generation stopped on request.
	ErrCancelled = errors.New("generation cancelled")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation reports whether err wraps ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsTransient reports whether err wraps ErrTransient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

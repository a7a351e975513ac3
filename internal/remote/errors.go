package remote

import (
	"errors"
	"fmt"

	"github.com/yourownai/relay/internal/model"
)

// ErrorCategory determines how the reconciler retries a failed remote call.
type ErrorCategory int

const (
	// Recoverable errors are retried with exponential backoff.
	// Examples: 5xx responses, timeouts, connection failures.
	Recoverable ErrorCategory = iota

	// Irrecoverable errors mark the PendingOp failed without retry.
	// Examples: 400, 401, 403, malformed rows.
	Irrecoverable
)

func (c ErrorCategory) String() string {
	switch c {
	case Recoverable:
		return "Recoverable"
	case Irrecoverable:
		return "Irrecoverable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// ClassifiedError wraps a remote failure with its retry category.
type ClassifiedError struct {
	Category   ErrorCategory
	StatusCode int    // 0 for non-HTTP errors
	Body       string // response body for debugging
	Underlying error
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] HTTP %d: %v", e.Category, e.StatusCode, e.Underlying)
	}
	return fmt.Sprintf("[%s] %v", e.Category, e.Underlying)
}

func (e *ClassifiedError) Unwrap() error { return e.Underlying }

// Is maps the category onto the model's transient/fatal taxonomy.
func (e *ClassifiedError) Is(target error) bool {
	switch target {
	case model.ErrTransient:
		return e.Category == Recoverable
	case model.ErrFatal:
		return e.Category == Irrecoverable
	}
	return false
}

// IsIrrecoverable reports whether err must not be retried.
func IsIrrecoverable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category == Irrecoverable
	}
	return false
}

// ClassifyHTTPError: 4xx other than 408 and 429 are irrecoverable,
// everything else may succeed on retry.
func ClassifyHTTPError(statusCode int, body string, underlying error) *ClassifiedError {
	return &ClassifiedError{
		Category:   httpCategory(statusCode),
		StatusCode: statusCode,
		Body:       body,
		Underlying: underlying,
	}
}

func httpCategory(statusCode int) ErrorCategory {
	switch {
	case statusCode >= 400 && statusCode < 500:
		switch statusCode {
		case 408, 429:
			return Recoverable
		default:
			return Irrecoverable
		}
	default:
		return Recoverable
	}
}

// NewHTTPError creates a classified error for an unexpected status.
func NewHTTPError(statusCode int, body string, operation string) *ClassifiedError {
	return ClassifyHTTPError(statusCode, body, fmt.Errorf("%s failed: HTTP %d", operation, statusCode))
}

// NewNetworkError creates a recoverable error for transport failures.
func NewNetworkError(operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Category:   Recoverable,
		Underlying: fmt.Errorf("%s network error: %w", operation, err),
	}
}

// NewInvalidError creates an irrecoverable error for rows the mirror rejects.
func NewInvalidError(operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Category:   Irrecoverable,
		Underlying: fmt.Errorf("%s: %w", operation, err),
	}
}

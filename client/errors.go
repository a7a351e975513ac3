package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned for 404 responses: unknown or archived
	// conversations, or nothing to join.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when the conversation is already generating.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized is returned when the pairing token is missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("relay: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

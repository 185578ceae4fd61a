package source

import (
	"errors"
	"fmt"
)

// ErrSourceUnavailable is returned when no installed source matches a plugin id.
var ErrSourceUnavailable = errors.New("source unavailable")

// NetworkError represents transport failures and non 2xx responses from a source.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_novel", "fetch_chapter")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ParseError represents a response body that could not be decoded.
type ParseError struct {
	Operation string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %v", e.Operation, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

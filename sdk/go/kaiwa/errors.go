// Package kaiwa provides a Go client for the Kaiwa streaming run
// orchestrator API.
package kaiwa

import (
	"errors"
	"fmt"
)

// Error represents an error from the Kaiwa API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kaiwa: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// TurnError is a failure reported on an already-open turn stream, after the
// HTTP status was committed. The message is the server's user-safe error
// frame.
type TurnError struct {
	Message string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("kaiwa: turn failed: %s", e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsBusy returns true if the error is a 409 (another run holds the thread).
func IsBusy(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}

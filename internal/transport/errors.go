package transport

import (
	"errors"
	"fmt"
)

// Error describes a request that did not get an HTTP 200 within the retry
// budget. StatusCode is 0 when the last attempt failed before a response.
type Error struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
	Attempts   int
	Err        error // underlying transport error, if any
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport: %s %s failed after %d attempt(s): %s", e.Method, e.URL, e.Attempts, e.Message)
	}
	return fmt.Sprintf("transport: %s %s returned %d after %d attempt(s): %s", e.Method, e.URL, e.StatusCode, e.Attempts, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status from a transport error, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

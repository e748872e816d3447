package clrpc

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the CL endpoint has no milestone at the
// requested sequence id yet (not a failure — caller should treat it as
// "nothing new").
var ErrNotFound = errors.New("milestone not found")

// RateLimitedError signals the CL endpoint is throttling us (HTTP 429).
type RateLimitedError struct{ StatusCode int }

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("cl endpoint rate limited (status %d)", e.StatusCode)
}

// ServerError signals a 5xx from the CL endpoint.
type ServerError struct{ StatusCode int }

func (e *ServerError) Error() string {
	return fmt.Sprintf("cl endpoint server error (status %d)", e.StatusCode)
}

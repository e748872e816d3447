// Package rpcerr defines the error taxonomy workers use to decide retry
// policy: Transient, Exhausted, PermanentData and Fatal. Classification is
// local to whichever package first observes the failure (rpcpool for RPC
// calls, store for database calls) and is then carried by worker loops,
// mirroring how the teacher's flow.Client.withRetry switches on gRPC status
// codes and how ingester.extractSporkRootHeight recognizes a permanent
// boundary condition from an error string.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry-policy purposes.
type Kind int

const (
	// KindUnknown is the zero value; ClassifyOf returns it for errors that
	// were never wrapped by this package.
	KindUnknown Kind = iota
	// KindTransient covers timeouts, 5xx, connection resets and DB
	// serialization failures. Callers retry with a short back-off.
	KindTransient
	// KindExhausted means no upstream endpoint can currently service the
	// request (all down, or rate-limited). Callers sleep longer.
	KindExhausted
	// KindPermanentData covers a wrong chain id, a malformed response or an
	// invariant violation. Callers mark the endpoint or gap abandoned and
	// continue.
	KindPermanentData
	// KindFatal covers DB connectivity loss or missing configuration. The
	// worker transitions to the error state and restarts its loop after a
	// delay; it never crashes the process.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindExhausted:
		return "exhausted"
	case KindPermanentData:
		return "permanent_data"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// retry policy without string-matching.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient wraps err as a Transient error.
func Transient(err error) error { return &Error{Kind: KindTransient, Cause: err} }

// Exhausted builds an Exhausted error whose cause is a new error carrying
// msg, for conditions with no single underlying error (e.g. "all endpoints
// down").
func Exhausted(msg string) error { return &Error{Kind: KindExhausted, Cause: errors.New(msg)} }

// PermanentData wraps err as a PermanentData error.
func PermanentData(err error) error { return &Error{Kind: KindPermanentData, Cause: err} }

// Fatal wraps err as a Fatal error.
func Fatal(err error) error { return &Error{Kind: KindFatal, Cause: err} }

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ClassifyOf extracts the Kind from err, or KindUnknown if err was never
// wrapped by this package (e.g. a context.Canceled from shutdown).
func ClassifyOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

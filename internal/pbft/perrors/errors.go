// Package perrors defines the sentinel protocol errors raised by the
// replica state machine. All of them are non-fatal: the event loop logs
// and continues rather than panicking.
package perrors

import "errors"

var (
	ErrInvalidMessage        = errors.New("invalid message")
	ErrViewMismatch          = errors.New("view mismatch")
	ErrOutOfWatermark        = errors.New("sequence number out of watermark range")
	ErrConflictingDigest     = errors.New("conflicting digest for view/sequence")
	ErrNoMatchingPrePrepare  = errors.New("no matching pre-prepare for view/sequence")
	ErrDuplicateClientRequest = errors.New("duplicate client request")
	ErrTransport             = errors.New("transport error")
	ErrWatermarkExceeded     = errors.New("sequence allocator watermark exceeded")
	ErrNotPrimary            = errors.New("replica is not the primary for the current view")
	ErrUnauthenticated       = errors.New("message failed authentication")
)

// Package errkind classifies errors into the taxonomy used throughout the
// trading core so callers can branch on errors.Is/errors.As
// instead of matching strings or HTTP status codes.
package errkind

import (
	"errors"
	"fmt"
)

// Kind names one bucket of the error taxonomy.
type Kind string

const (
	// Validation errors are rejected at a boundary and never retried.
	Validation Kind = "validation"
	// RateLimited errors are retriable with backoff; the distinction lets
	// callers serve stale/neutral fallback data instead of failing hard.
	RateLimited Kind = "rate_limited"
	// Transient covers network faults and confirmation timeouts, retried
	// internally up to a configured bound.
	Transient Kind = "transient"
	// OnChainLogical covers classified on-chain program errors such as
	// ExceededBinSlippageTolerance or NonEmptyPosition.
	OnChainLogical Kind = "on_chain_logical"
	// StateCorruption marks a position whose invariants no longer hold
	// (price range outside [1,10000], or min > max).
	StateCorruption Kind = "state_corruption"
	// Fatal errors abort startup of the affected subsystem.
	Fatal Kind = "fatal"
)

// Error wraps an underlying cause with a classification.
type Error struct {
	Kind  Kind
	Code  string // e.g. "ExceededBinSlippageTolerance", "NonEmptyPosition", "6030"
	Cause error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error.
func New(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Cause: cause}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// CodeOf extracts the on-chain logical error code, if any.
func CodeOf(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code, true
	}
	return "", false
}

// Well-known on-chain logical error codes.
const (
	CodeExceededBinSlippageTolerance = "ExceededBinSlippageTolerance"
	CodeNonEmptyPosition             = "NonEmptyPosition" // 6030 / 0x178e
)

// Retryable reports whether kind is one the caller should retry rather than
// surface immediately.
func Retryable(kind Kind) bool {
	switch kind {
	case RateLimited, Transient:
		return true
	default:
		return false
	}
}

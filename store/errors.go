// Package store defines capability interfaces over the five backing stores
// (blob, vector, graph, relational, cache) and the error taxonomy shared by
// every pipeline stage. The concrete backends live in subpackages; nothing
// outside this package tree knows backend-specific details.
package store

import (
	"context"
	"errors"
)

// Kind classifies an error for the retry policy. The policy is a pure
// function of the kind and the attempt count.
type Kind string

const (
	// KindValidation marks terminal input errors: malformed URL, unsupported
	// source, empty content. Never retried.
	KindValidation Kind = "validation"

	// KindTransient marks errors that may succeed on retry: network timeouts,
	// provider 5xx, rate limits, transaction timeouts.
	KindTransient Kind = "transient"

	// KindDataIntegrity marks errors where the source or derived data is
	// suspect: offsets out of bounds, invalid UTF-8, ungrounded citations.
	// The stage aborts without partial writes and the job is not auto-retried.
	KindDataIntegrity Kind = "data_integrity"

	// KindCancelled marks user or operator cancellation.
	KindCancelled Kind = "cancelled"
)

// Error wraps an underlying error with a classification kind.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of this error.
func (e *Error) Kind() Kind { return e.kind }

// Validation wraps an error as a terminal validation failure.
func Validation(err error) error { return &Error{kind: KindValidation, err: err} }

// Transient wraps an error as retryable.
func Transient(err error) error { return &Error{kind: KindTransient, err: err} }

// DataIntegrity wraps an error as a data-integrity failure.
func DataIntegrity(err error) error { return &Error{kind: KindDataIntegrity, err: err} }

// Cancelled wraps an error as a cancellation.
func Cancelled(err error) error { return &Error{kind: KindCancelled, err: err} }

// KindOf classifies an arbitrary error. Context cancellation and deadline
// expiry map to cancelled and transient respectively; anything untagged
// defaults to transient so unknown failures stay retryable.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsDataIntegrity reports whether err is a data-integrity failure.
func IsDataIntegrity(err error) bool { return err != nil && KindOf(err) == KindDataIntegrity }

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool { return err != nil && KindOf(err) == KindCancelled }

// ErrNotFound is returned by stores when a key does not exist.
var ErrNotFound = errors.New("not found")

// Package xerr defines the structured error type used across obsidx.
// Errors carry a kind for policy decisions (degrade, retry, surface) and
// wrap the underlying cause for errors.Is/As chains.
package xerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling policy.
type Kind string

const (
	// KindNotFound indicates a document, chunk, or id could not be resolved.
	KindNotFound Kind = "not_found"

	// KindModelUnavailable indicates the embedding/expansion/rerank backend
	// is unreachable or timed out. Queries degrade; indexing defers embedding.
	KindModelUnavailable Kind = "model_unavailable"

	// KindIndexCorrupt indicates a stored hash mismatches recomputed content.
	KindIndexCorrupt Kind = "index_corrupt"

	// KindConfigMismatch indicates chunking parameters changed since the last
	// index, invalidating the incremental diff.
	KindConfigMismatch Kind = "config_mismatch"

	// KindCancelled indicates the caller aborted an in-flight operation.
	KindCancelled Kind = "cancelled"

	// KindInternal is the catch-all for unexpected failures.
	KindInternal Kind = "internal"
)

// Error is the structured error type for obsidx.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Retryable indicates the operation may succeed if retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind, enabling errors.Is with kind sentinels.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: kind == KindModelUnavailable,
	}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error wrapping an existing error.
// Returns nil if err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      kind,
		Message:   message,
		Cause:     err,
		Retryable: kind == KindModelUnavailable,
	}
}

// NotFound creates a not-found error for the named entity.
func NotFound(what string) *Error {
	return Newf(KindNotFound, "%s not found", what)
}

// ModelUnavailable wraps a backend failure.
func ModelUnavailable(op string, err error) *Error {
	return Wrap(KindModelUnavailable, op, err)
}

// IsKind reports whether err (or any error in its chain) has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the operation behind err may be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

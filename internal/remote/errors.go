package remote

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind drives the retry decision for a failed remote operation.
type ErrorKind string

const (
	// KindTransient covers network loss, timeouts and 5xx responses.
	// Retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers validation and other 4xx failures. Retrying a
	// malformed request indefinitely wastes cycles and masks bugs, so
	// these are dropped from the retry queue and surfaced.
	KindPermanent ErrorKind = "permanent"
	// KindAuthExpired marks a rejected token. Handled by a single
	// refresh-and-retry that does not count against retry attempts.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindDependencyNotReady marks a foreign-key violation: the parent
	// has not reached the remote yet. Retryable; it self-resolves once
	// the parent's own push completes.
	KindDependencyNotReady ErrorKind = "dependency_not_ready"
)

// Error is a classified remote failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s (status=%d code=%s): %v", e.Kind, e.StatusCode, e.Code, e.Err)
	}
	return fmt.Sprintf("remote %s (status=%d code=%s)", e.Kind, e.StatusCode, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure should stay in the retry queue.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindDependencyNotReady, KindAuthExpired:
		return true
	}
	return false
}

// Item-level error codes the reference server emits.
const (
	CodeMissingParent  = "missing_parent"
	CodeInvalidPayload = "invalid_payload"
)

// ClassifyStatus maps an HTTP response status to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401:
		return KindAuthExpired
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	}
	return KindTransient
}

// ClassifyItemCode maps a per-item result code to an error kind.
func ClassifyItemCode(code string) ErrorKind {
	switch code {
	case CodeMissingParent:
		return KindDependencyNotReady
	case CodeInvalidPayload:
		return KindPermanent
	}
	return KindPermanent
}

// ClassifyTransport maps a transport-level failure (no HTTP response) to
// an error. Context cancellation passes through unwrapped so callers can
// distinguish an aborted cycle from a network fault.
func ClassifyTransport(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Kind: KindTransient, Err: err}
}

// KindOf extracts the classification from an error chain, defaulting to
// transient for unclassified failures.
func KindOf(err error) ErrorKind {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	return KindTransient
}

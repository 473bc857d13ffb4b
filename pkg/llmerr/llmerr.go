// Package llmerr provides the structured error taxonomy surfaced at the
// router core boundary. Callers classify errors with errors.As and KindOf
// rather than string matching.
package llmerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one of the error categories surfaced by the core.
type Kind int

const (
	// KindUnknown is the zero value; it is never produced by the core itself.
	KindUnknown Kind = iota

	// KindInvalidInput: request validation failed. Not retryable.
	KindInvalidInput

	// KindBackendUnavailable: an explicitly requested backend is disabled
	// or its circuit breaker is open.
	KindBackendUnavailable

	// KindTimeout: a single backend call exceeded its deadline.
	// Retryable via fallback.
	KindTimeout

	// KindCancelled: the caller cancelled the request.
	KindCancelled

	// KindBackendError: the remote returned a non-retryable semantic error
	// (malformed request, auth failure, content policy). Retryable only via
	// a different backend.
	KindBackendError

	// KindTransientBackendError: network failure or 5xx. Retryable via fallback.
	KindTransientBackendError

	// KindAllBackendsFailed: the fallback chain was exhausted.
	KindAllBackendsFailed

	// KindStorageError: the ledger/cache store is unavailable. The
	// dispatcher degrades instead of failing the request on this alone.
	KindStorageError
)

// String returns the stable label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindBackendError:
		return "backend_error"
	case KindTransientBackendError:
		return "transient_backend_error"
	case KindAllBackendsFailed:
		return "all_backends_failed"
	case KindStorageError:
		return "storage_error"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned across the core boundary.
type Error struct {
	Kind    Kind
	Backend string // backend that produced the error, "" for core-level errors
	Message string
	Status  int  // upstream HTTP status when applicable, 0 otherwise
	Auth    bool // true when the failure is an authentication/authorization error

	// RateLimited marks a request-rate rejection so callers can map it
	// structurally instead of sniffing the message text.
	RateLimited bool

	// Failures holds the per-backend error list for KindAllBackendsFailed.
	Failures []BackendFailure

	wrapped error
}

// BackendFailure records one failed attempt during the fallback loop.
type BackendFailure struct {
	Backend string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Backend != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Backend)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if len(e.Failures) > 0 {
		parts := make([]string, 0, len(e.Failures))
		for _, f := range e.Failures {
			parts = append(parts, fmt.Sprintf("%s: %v", f.Backend, f.Err))
		}
		sb.WriteString(" [")
		sb.WriteString(strings.Join(parts, "; "))
		sb.WriteString("]")
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a core error of the given kind.
func New(kind Kind, backend, format string, args ...any) *Error {
	return &Error{Kind: kind, Backend: backend, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a core error that wraps an underlying cause.
func Wrap(kind Kind, backend string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Backend: backend, Message: err.Error(), wrapped: err}
}

// AllFailed merges the per-backend failure list into a single
// KindAllBackendsFailed error.
func AllFailed(failures []BackendFailure) *Error {
	return &Error{
		Kind:     KindAllBackendsFailed,
		Message:  fmt.Sprintf("all %d candidate backend(s) failed", len(failures)),
		Failures: failures,
	}
}

// KindOf extracts the Kind from err, or KindUnknown when err is not a core
// error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether the dispatcher may try another backend after err.
// KindBackendError is retryable too, but only on a different backend; the
// caller is responsible for excluding the failed candidate.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransientBackendError, KindBackendError:
		return true
	default:
		return false
	}
}

// Elide replaces every occurrence of secret in msg with "***". Adapters use
// it so raw API keys never reach error text or logs.
func Elide(msg, secret string) string {
	if secret == "" {
		return msg
	}
	return strings.ReplaceAll(msg, secret, "***")
}

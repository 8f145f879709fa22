package parentsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// Kind classifies a failure by how it is recovered.
type Kind int

const (
	// KindNetworkUnavailable covers no connectivity and request timeouts.
	// Recovered locally by falling back to the Store.
	KindNetworkUnavailable Kind = iota + 1
	// KindUnauthorized is a 401. Recovered by one refresh and one retry.
	KindUnauthorized
	// KindForbidden is a 403. Never retried; forces sign-out.
	KindForbidden
	// KindServerError covers 5xx, unexpected statuses and malformed payloads.
	KindServerError
	// KindStorageError is a local store failure. Fatal for the current operation.
	KindStorageError
)

func (k Kind) String() string {
	switch k {
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindServerError:
		return "server_error"
	case KindStorageError:
		return "storage_error"
	default:
		return "unknown"
	}
}

// Error carries a Kind, the operation that failed and the underlying cause.
// It supports errors.Is/errors.As through Unwrap.
type Error struct {
	Kind   Kind
	Op     string
	Status int // HTTP status, 0 when no response was received
	cause  error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, cause: cause}
}

func storageError(op string, cause error) *Error {
	return newError(KindStorageError, op, cause)
}

// statusError maps an HTTP status to its Kind.
func statusError(op string, status int, cause error) *Error {
	kind := KindServerError
	switch status {
	case http.StatusUnauthorized:
		kind = KindUnauthorized
	case http.StatusForbidden:
		kind = KindForbidden
	}
	return &Error{Kind: kind, Op: op, Status: status, cause: cause}
}

// KindOf extracts the Kind of err. Context deadline errors count as
// NetworkUnavailable; any other unclassified error is a ServerError.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkUnavailable
	}
	return KindServerError
}

// IsKind reports whether err is of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

var (
	// ErrSignedOut is returned when an operation needs a session and none exists,
	// or the session ended while the operation was in flight.
	ErrSignedOut = errors.New("parentsync: signed out")
	// ErrMessageNotFound is returned by MarkRead for an id that is not cached.
	ErrMessageNotFound = errors.New("parentsync: message not found")
	// ErrPushUnavailable is returned by a TokenSource when the platform cannot
	// issue a push token (permission denied, emulator, no push service).
	ErrPushUnavailable = errors.New("parentsync: push token unavailable")
)

// ============================================================================
// Boundary outcomes
// ============================================================================

// Outcome is the closed set of results the sync components report to the UI.
type Outcome string

const (
	// OutcomeOK means the data came from the server.
	OutcomeOK Outcome = "ok"
	// OutcomeStaleCache means the data came from the Store. Shown silently.
	OutcomeStaleCache Outcome = "stale-cache"
	// OutcomeSignOutRequired means the session is gone; redirect to sign-in.
	OutcomeSignOutRequired Outcome = "sign-out-required"
	// OutcomeRetryableError means a transient failure; show a dismissible notice.
	OutcomeRetryableError Outcome = "retryable-error"
)

// OutcomeOf maps an error from the gateway or session to a boundary outcome.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, ErrSignedOut) {
		return OutcomeSignOutRequired
	}
	switch KindOf(err) {
	case KindNetworkUnavailable:
		return OutcomeStaleCache
	case KindUnauthorized, KindForbidden:
		return OutcomeSignOutRequired
	default:
		return OutcomeRetryableError
	}
}

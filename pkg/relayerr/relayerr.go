// Package relayerr provides the error taxonomy for the relay.
// This is a leaf package with no internal dependencies, designed to be
// imported by every subsystem (envelope, dispatch, registry, handlers)
// without causing circular imports.
//
// Errors carry a stable Kind; conversion to HTTP status codes happens
// only at the HTTP edge via HTTPStatus.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies the category of a relay error.
type Kind int

const (
	// KindInvalidInput indicates malformed or rejected caller input.
	KindInvalidInput Kind = iota + 1

	// KindMissingField indicates a required envelope field is absent.
	KindMissingField

	// KindUnauthorized indicates a missing or non-matching credential.
	KindUnauthorized

	// KindNoWorkers indicates no eligible worker is registered.
	KindNoWorkers

	// KindQueueFull indicates the chosen worker's inbound queue is at capacity.
	KindQueueFull

	// KindUnboundRequest indicates a worker published for a request it does not own.
	KindUnboundRequest

	// KindBadUpstream indicates a worker published a structurally invalid reply.
	KindBadUpstream

	// KindChunkIntegrity indicates a stream chunk failed authentication or ordering.
	KindChunkIntegrity

	// KindTicketExpired indicates the request ticket's TTL has lapsed.
	KindTicketExpired

	// KindWorkerGone indicates the bound worker disappeared mid-request.
	KindWorkerGone

	// KindRateLimited indicates the caller exceeded its sliding-window budget.
	KindRateLimited

	// KindStreamGap indicates an out-of-order gap outlived the gap timeout.
	KindStreamGap

	// KindInternal indicates an unexpected server-side failure.
	KindInternal
)

// String returns the stable wire name for the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid-input"
	case KindMissingField:
		return "missing-field"
	case KindUnauthorized:
		return "unauthorized"
	case KindNoWorkers:
		return "no-workers-available"
	case KindQueueFull:
		return "queue-full"
	case KindUnboundRequest:
		return "unbound-request"
	case KindBadUpstream:
		return "bad-upstream"
	case KindChunkIntegrity:
		return "chunk-integrity"
	case KindTicketExpired:
		return "ticket-expired"
	case KindWorkerGone:
		return "worker-gone"
	case KindRateLimited:
		return "rate-limited"
	case KindStreamGap:
		return "stream-gap"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Error is the concrete error type used across the relay.
type Error struct {
	Kind    Kind
	Message string

	// Field names the missing envelope field for KindMissingField.
	Field string

	// RetryAfter is a backoff hint for retryable kinds (queue-full, rate-limited).
	RetryAfter time.Duration

	// Err is the wrapped cause, if any. Never include payload bytes here.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: %s (field: %s)", e.Kind, e.Message, e.Field)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return e.Kind.String()
	}
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind wrapping a cause.
// The cause's text is not included in Message so payload-derived
// crypto errors never leak into responses.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// MissingField creates a missing-field error naming the absent field.
func MissingField(field string) *Error {
	return &Error{Kind: KindMissingField, Message: "required field missing", Field: field}
}

// InvalidInput creates an invalid-input error.
func InvalidInput(message string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message}
}

// Unauthorized creates an unauthorized error. The message must never
// reveal which credential was wrong.
func Unauthorized() *Error {
	return &Error{Kind: KindUnauthorized, Message: "unauthorized"}
}

// KindOf extracts the Kind from an error chain.
// Returns KindInternal for non-relay errors.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// RetryAfterOf extracts the retry hint from an error chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

// HTTPStatus maps an error kind to the HTTP status code used at the edge.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindMissingField:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNoWorkers, KindQueueFull:
		return http.StatusServiceUnavailable
	case KindUnboundRequest:
		return http.StatusConflict
	case KindBadUpstream, KindWorkerGone:
		return http.StatusBadGateway
	case KindTicketExpired:
		return http.StatusGone
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindChunkIntegrity, KindStreamGap:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

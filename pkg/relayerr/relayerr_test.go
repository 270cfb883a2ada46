package relayerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "kind only",
			err:  &Error{Kind: KindNoWorkers},
			want: "no-workers-available",
		},
		{
			name: "kind and message",
			err:  New(KindInvalidInput, "plaintext must not be nil"),
			want: "invalid-input: plaintext must not be nil",
		},
		{
			name: "missing field names the field",
			err:  MissingField("cipherkey"),
			want: "missing-field: required field missing (field: cipherkey)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("handler: %w", New(KindTicketExpired, "ticket reaped"))
	assert.Equal(t, KindTicketExpired, KindOf(err))
	assert.True(t, IsKind(err, KindTicketExpired))
	assert.False(t, IsKind(err, KindInternal))

	// Non-relay errors collapse to internal.
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("cipher: message authentication failed")
	err := Wrap(KindChunkIntegrity, "chunk rejected", cause)

	require.ErrorIs(t, err, cause)
	// The cause text stays out of the surfaced message.
	assert.NotContains(t, err.Error(), "authentication")
}

func TestRetryAfterOf(t *testing.T) {
	err := &Error{Kind: KindRateLimited, Message: "slow down", RetryAfter: 7 * time.Second}
	assert.Equal(t, 7*time.Second, RetryAfterOf(fmt.Errorf("edge: %w", err)))
	assert.Equal(t, time.Duration(0), RetryAfterOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidInput, http.StatusBadRequest},
		{KindMissingField, http.StatusBadRequest},
		{KindUnauthorized, http.StatusForbidden},
		{KindNoWorkers, http.StatusServiceUnavailable},
		{KindQueueFull, http.StatusServiceUnavailable},
		{KindUnboundRequest, http.StatusConflict},
		{KindBadUpstream, http.StatusBadGateway},
		{KindWorkerGone, http.StatusBadGateway},
		{KindTicketExpired, http.StatusGone},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindChunkIntegrity, http.StatusUnprocessableEntity},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

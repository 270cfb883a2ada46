package apiclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestPublicKey(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/public-key", r.URL.Path)
		respond(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"data":      map[string]string{"public_key": "c3BraQ==", "key_id": "abc123"},
		})
	}))
	defer ts.Close()

	key, err := New(ts.URL).PublicKey()
	require.NoError(t, err)
	assert.Equal(t, "c3BraQ==", key.PublicKey)
	assert.Equal(t, "abc123", key.KeyID)
}

func TestRetrievePending(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]any{
			"status":    "pending",
			"timestamp": time.Now().UTC(),
		})
	}))
	defer ts.Close()

	rec, pending, err := New(ts.URL).Retrieve("id", "key")
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Nil(t, rec)
}

func TestErrorDecoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		respond(w, http.StatusTooManyRequests, map[string]any{
			"status":    "error",
			"timestamp": time.Now().UTC(),
			"error": map[string]any{
				"type":        "rate-limited",
				"message":     "submit budget exhausted",
				"retry_after": 3,
			},
		})
	}))
	defer ts.Close()

	_, err := New(ts.URL).Submit(nil, "key", false)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "rate-limited", apiErr.Type)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, 3, apiErr.RetryAfter)
	assert.True(t, apiErr.IsRetryable())
	assert.False(t, apiErr.IsExpired())
}

func TestSinkEmptyPoll(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	item, err := New(ts.URL).Sink("w1", "", "", 0)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestAdminTokenAttached(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		respond(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"data":      map[string]any{"workers": []any{}},
		})
	}))
	defer ts.Close()

	_, err := New(ts.URL).WithToken("tok").Workers()
	require.NoError(t, err)
}

func TestNonJSONErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL).PublicKey()
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tokenplace/relay/pkg/relayerr"
)

// Response is the standard API response wrapper.
//
// All non-SSE responses follow this structure:
//   - Status indicates the overall result ("ok", "pending", "draining",
//     "draining", "error")
//   - Timestamp provides response time for debugging and caching
//   - Data contains the response payload (optional)
//   - Error contains error details when Status is "error" (optional)
type Response struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries the wire form of a relay error. Type is the stable
// kind name from the error taxonomy; Field names the offending envelope
// field for missing-field errors; RetryAfter is a backoff hint in
// seconds for retryable kinds.
type ErrorBody struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Last resort; the status line is already on the wire.
		http.Error(w, `{"status":"error","error":{"type":"internal","message":"failed to encode response"}}`, http.StatusInternalServerError)
	}
}

// writeOK writes a 200 response with the "ok" status and payload.
func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// writeStatus writes a 200 response with a caller-chosen status word.
func writeStatus(w http.ResponseWriter, status string, data any) {
	writeJSON(w, http.StatusOK, Response{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// writeError converts an error into its HTTP form. The status code
// comes from the error's kind; retryable kinds also get a Retry-After
// header. Non-relay errors collapse to an opaque 500.
func writeError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		err = relayerr.InvalidInput("request body exceeds the envelope size cap")
	}

	kind := relayerr.KindOf(err)
	body := &ErrorBody{
		Type:    kind.String(),
		Message: err.Error(),
	}
	if kind == relayerr.KindInternal {
		// Never leak internals to the caller.
		body.Message = "internal error"
	}

	var re *relayerr.Error
	if errors.As(err, &re) {
		body.Field = re.Field
	}

	if retry := relayerr.RetryAfterOf(err); retry > 0 {
		secs := int(retry.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, relayerr.HTTPStatus(kind), Response{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		Error:     body,
	})
}

// decodeBestEffort decodes a JSON body if one is present. Empty or
// malformed bodies are not an error; the caller's defaults apply.
func decodeBestEffort(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// decodeJSONBody decodes a JSON request body into the provided pointer.
// Returns true if successful, false if decoding fails (error response
// is written automatically).
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, err)
			return false
		}
		writeError(w, relayerr.InvalidInput("invalid request body"))
		return false
	}
	return true
}

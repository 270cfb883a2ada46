package apiclient

import "fmt"

// APIError is an error response from the relay. Type carries the
// relay's stable error kind name.
type APIError struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`

	// StatusCode is filled from the HTTP response, not the body.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Message
}

// IsRetryable reports whether the caller should back off and retry.
func (e *APIError) IsRetryable() bool {
	switch e.Type {
	case "queue-full", "rate-limited", "no-workers-available", "worker-gone":
		return true
	}
	return false
}

// IsExpired reports whether the request ticket is gone.
func (e *APIError) IsExpired() bool {
	return e.Type == "ticket-expired"
}

// IsAuthError reports an authentication or ownership failure.
func (e *APIError) IsAuthError() bool {
	return e.Type == "unauthorized"
}

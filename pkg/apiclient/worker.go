package apiclient

import (
	"github.com/tokenplace/relay/pkg/envelope"
)

// WorkItem is one request handed to a worker by POST /sink.
type WorkItem struct {
	RequestID       string           `json:"request_id"`
	Envelope        *envelope.Record `json:"envelope"`
	StreamSessionID string           `json:"stream_session_id,omitempty"`
}

// Sink long-polls the relay for one pending request. A poll carrying a
// public key doubles as the worker's announce refresh. Returns nil
// when the poll times out empty.
func (c *Client) Sink(workerID, publicKey, authToken string, timeoutSeconds int) (*WorkItem, error) {
	body := map[string]any{
		"worker_id": workerID,
	}
	if publicKey != "" {
		body["public_key"] = publicKey
	}
	if authToken != "" {
		body["auth_token"] = authToken
	}
	if timeoutSeconds > 0 {
		body["timeout_seconds"] = timeoutSeconds
	}

	var item WorkItem
	if _, err := c.post("/sink", body, &item); err != nil {
		return nil, err
	}
	if item.RequestID == "" {
		return nil, nil
	}
	return &item, nil
}

// Source publishes a reply envelope for a request the worker holds.
func (c *Client) Source(workerID, requestID string, rec *envelope.Record) error {
	body := map[string]any{
		"worker_id":  workerID,
		"request_id": requestID,
		"envelope":   rec,
	}
	_, err := c.post("/source", body, nil)
	return err
}

// StreamSource publishes one stream chunk. The record must carry a
// chunk_index.
func (c *Client) StreamSource(workerID, requestID string, rec *envelope.Record) error {
	body := map[string]any{
		"worker_id":  workerID,
		"request_id": requestID,
		"envelope":   rec,
	}
	_, err := c.post("/stream/source", body, nil)
	return err
}

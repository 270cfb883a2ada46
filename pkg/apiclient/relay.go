package apiclient

import (
	"time"

	"github.com/tokenplace/relay/pkg/envelope"
)

// RelayKey is the response from GET /public-key.
type RelayKey struct {
	PublicKey string `json:"public_key"`
	KeyID     string `json:"key_id"`
}

// PublicKey fetches the relay's own public key.
func (c *Client) PublicKey() (*RelayKey, error) {
	var key RelayKey
	if _, err := c.get("/public-key", &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// NextWorker is the response from GET /next-server.
type NextWorker struct {
	WorkerID  string `json:"worker_id"`
	PublicKey string `json:"public_key"`
}

// NextServer returns the worker the relay would pick next, without
// binding a request.
func (c *Client) NextServer() (*NextWorker, error) {
	var next NextWorker
	if _, err := c.get("/next-server", &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Submit binds an encrypted envelope to a worker and returns the
// request ticket ID.
func (c *Client) Submit(rec *envelope.Record, clientPublicKey string, stream bool) (string, error) {
	body := map[string]any{
		"envelope":          rec,
		"client_public_key": clientPublicKey,
		"stream":            stream,
	}
	var out struct {
		RequestID string `json:"request_id"`
	}
	if _, err := c.post("/submit", body, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// Retrieve polls for the reply envelope. The second return is true
// while the worker is still computing.
func (c *Client) Retrieve(requestID, clientPublicKey string) (*envelope.Record, bool, error) {
	body := map[string]string{
		"request_id":        requestID,
		"client_public_key": clientPublicKey,
	}
	var out struct {
		Envelope *envelope.Record `json:"envelope"`
	}
	status, err := c.post("/retrieve", body, &out)
	if err != nil {
		return nil, false, err
	}
	if status == "pending" {
		return nil, true, nil
	}
	return out.Envelope, false, nil
}

// StreamChunks is the response from POST /stream/retrieve.
type StreamChunks struct {
	Chunks    []*envelope.Record `json:"chunks"`
	NextIndex int                `json:"next_index"`
	FinalSeen bool               `json:"final_seen"`
	LastAt    time.Time          `json:"last_activity"`
}

// StreamRetrieve fetches buffered stream chunks at or after fromIndex.
func (c *Client) StreamRetrieve(requestID, clientPublicKey string, fromIndex int) (*StreamChunks, error) {
	body := map[string]any{
		"request_id":        requestID,
		"client_public_key": clientPublicKey,
		"from_index":        fromIndex,
	}
	var out StreamChunks
	if _, err := c.post("/stream/retrieve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health is the response from GET /healthz.
type Health struct {
	Status    string `json:"-"`
	Workers   int    `json:"workers"`
	Tickets   int    `json:"tickets"`
	KeyID     string `json:"key_id"`
	PublicURL string `json:"public_url,omitempty"`
}

// Healthz fetches the relay's readiness state.
func (c *Client) Healthz() (*Health, error) {
	var h Health
	status, err := c.get("/healthz", &h)
	if err != nil {
		return nil, err
	}
	h.Status = status
	return &h, nil
}

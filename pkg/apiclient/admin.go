package apiclient

import (
	"time"

	"github.com/tokenplace/relay/pkg/perf"
	"github.com/tokenplace/relay/pkg/registry"
)

// TokenResponse is the response from POST /admin/login.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ExpiresInDuration returns ExpiresIn as a time.Duration.
func (t *TokenResponse) ExpiresInDuration() time.Duration {
	return time.Duration(t.ExpiresIn) * time.Second
}

// Login authenticates the operator account and returns a session token.
func (c *Client) Login(username, password string) (*TokenResponse, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	var tok TokenResponse
	if _, err := c.post("/admin/login", body, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// RotationResult is the response from POST /admin/rotate-keys.
type RotationResult struct {
	KeyID     string `json:"key_id"`
	GraceKeys int    `json:"grace_keys"`
}

// RotateKeys rotates the relay keypair.
func (c *Client) RotateKeys() (*RotationResult, error) {
	var out RotationResult
	if _, err := c.post("/admin/rotate-keys", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workers lists the registered workers.
func (c *Client) Workers() ([]registry.Snapshot, error) {
	var out struct {
		Workers []registry.Snapshot `json:"workers"`
	}
	if _, err := c.get("/admin/workers", &out); err != nil {
		return nil, err
	}
	return out.Workers, nil
}

// Drain flips the relay's drain mode.
func (c *Client) Drain(enabled bool) error {
	_, err := c.post("/admin/drain", map[string]bool{"enabled": enabled}, nil)
	return err
}

// Perf fetches the relay's timing percentiles.
func (c *Client) Perf() ([]perf.Stats, error) {
	var out struct {
		Operations []perf.Stats `json:"operations"`
	}
	if _, err := c.get("/admin/perf", &out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

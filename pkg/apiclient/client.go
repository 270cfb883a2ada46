// Package apiclient provides an HTTP client for the relay API, used by
// relayctl, the reference worker, and integration tests.
package apiclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the relay API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// New creates a new API client. The timeout leaves room for the
// relay's long-poll endpoints.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// WithToken returns a copy of the client carrying an admin session token.
func (c *Client) WithToken(token string) *Client {
	return &Client{
		baseURL:    c.baseURL,
		httpClient: c.httpClient,
		token:      token,
	}
}

// SetToken sets the admin session token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the relay address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// wire is the relay's standard response wrapper.
type wire struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *APIError       `json:"error"`
}

// do performs an HTTP request and decodes the wrapped response.
// An empty or non-2xx body is turned into an *APIError; a nil result
// skips data decoding. Returns the wrapper's status word.
func (c *Client) do(method, path string, body, result any) (string, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return "", nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	var w wire
	if err := json.Unmarshal(respBody, &w); err != nil {
		if resp.StatusCode >= 400 {
			return "", &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		}
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 || w.Status == "error" {
		apiErr := w.Error
		if apiErr == nil {
			apiErr = &APIError{Message: "request failed"}
		}
		apiErr.StatusCode = resp.StatusCode
		return w.Status, apiErr
	}

	if result != nil && len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, result); err != nil {
			return w.Status, fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return w.Status, nil
}

// get performs a GET request.
func (c *Client) get(path string, result any) (string, error) {
	return c.do(http.MethodGet, path, nil, result)
}

// post performs a POST request.
func (c *Client) post(path string, body, result any) (string, error) {
	return c.do(http.MethodPost, path, body, result)
}

// Package openai maps the relay's envelope transport onto the
// OpenAI-compatible chat completions surface: request parsing for the
// plaintext and encrypted modes, response shapes, and SSE delta framing.
package openai

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tokenplace/relay/pkg/envelope"
	"github.com/tokenplace/relay/pkg/relayerr"
)

// Role values accepted in chat messages.
var allowedRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// Finish reasons the adapter emits or accepts from workers.
var allowedFinishReasons = map[string]bool{
	"stop":           true,
	"length":         true,
	"content_filter": true,
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound /v1/chat/completions body. Messages is
// kept raw because its shape depends on Encrypted: an array of Message
// in plaintext mode, an envelope record object in encrypted mode.
type ChatRequest struct {
	Model           string          `json:"model"`
	Messages        json.RawMessage `json:"messages"`
	Stream          bool            `json:"stream,omitempty"`
	Encrypted       bool            `json:"encrypted,omitempty"`
	ClientPublicKey string          `json:"client_public_key,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// PlainMessages decodes the plaintext-mode message array and validates
// roles against the allow-list.
func (r *ChatRequest) PlainMessages() ([]Message, error) {
	if len(r.Messages) == 0 {
		return nil, relayerr.MissingField("messages")
	}

	var msgs []Message
	if err := json.Unmarshal(r.Messages, &msgs); err != nil {
		return nil, relayerr.Wrap(relayerr.KindInvalidInput, "messages must be an array of chat messages", err)
	}
	if len(msgs) == 0 {
		return nil, relayerr.InvalidInput("messages must not be empty")
	}
	for i, m := range msgs {
		if !allowedRoles[m.Role] {
			return nil, relayerr.InvalidInput(fmt.Sprintf("messages[%d].role %q is not allowed", i, m.Role))
		}
	}
	return msgs, nil
}

// EncryptedEnvelope decodes the encrypted-mode message envelope.
func (r *ChatRequest) EncryptedEnvelope() (*envelope.Record, error) {
	if len(r.Messages) == 0 {
		return nil, relayerr.MissingField("messages")
	}
	if r.ClientPublicKey == "" {
		return nil, relayerr.MissingField("client_public_key")
	}

	rec, err := envelope.ParseRecord(r.Messages)
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.ClientPublicKey = r.ClientPublicKey
	rec.Model = r.Model
	rec.Stream = r.Stream
	return rec, nil
}

// Usage carries token counters. Workers report them; absent counters
// are emitted as zeros, never negative.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Clamp zeroes any negative counter.
func (u *Usage) Clamp() {
	if u.PromptTokens < 0 {
		u.PromptTokens = 0
	}
	if u.CompletionTokens < 0 {
		u.CompletionTokens = 0
	}
	if u.TotalTokens < 0 {
		u.TotalTokens = 0
	}
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatCompletion mirrors OpenAI's non-streaming response shape.
type ChatCompletion struct {
	ID       string         `json:"id"`
	Object   string         `json:"object"`
	Created  int64          `json:"created"`
	Model    string         `json:"model"`
	Choices  []Choice       `json:"choices"`
	Usage    Usage          `json:"usage"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Delta is the incremental message fragment in a streaming chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice in a streaming chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatCompletionChunk mirrors OpenAI's streaming chunk shape.
type ChatCompletionChunk struct {
	ID       string         `json:"id"`
	Object   string         `json:"object"`
	Created  int64          `json:"created"`
	Model    string         `json:"model"`
	Choices  []ChunkChoice  `json:"choices"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WorkerReply is the plaintext a worker publishes for a chat request:
// the assistant's content plus optional usage counters.
type WorkerReply struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// NewCompletionID returns an OpenAI-style completion identifier.
func NewCompletionID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		// Timestamp fallback keeps IDs unique enough for correlation.
		return fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	}
	return "chatcmpl-" + hex.EncodeToString(buf)
}

// BuildCompletion assembles the non-streaming response from a worker
// reply. Unknown finish reasons collapse to "stop"; missing usage
// becomes zeros.
func BuildCompletion(id, model string, reply *WorkerReply, metadata map[string]any) *ChatCompletion {
	finish := reply.FinishReason
	if !allowedFinishReasons[finish] {
		finish = "stop"
	}

	var usage Usage
	if reply.Usage != nil {
		usage = *reply.Usage
	}
	usage.Clamp()
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return &ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: reply.Content},
			FinishReason: finish,
		}},
		Usage:    usage,
		Metadata: metadata,
	}
}

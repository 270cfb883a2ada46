package worker

import (
	"context"
	"strings"

	"github.com/tokenplace/relay/pkg/openai"
)

// Request is the decrypted chat payload a worker receives.
type Request struct {
	Model    string           `json:"model"`
	Messages []openai.Message `json:"messages"`
	Stream   bool             `json:"stream,omitempty"`
}

// LastUserMessage returns the content of the most recent user turn.
func (r *Request) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Engine produces completions from decrypted chat payloads. Real
// deployments back this with an inference server; tests use MockEngine.
type Engine interface {
	// Complete returns the whole reply at once.
	Complete(ctx context.Context, req *Request) (*openai.WorkerReply, error)

	// StreamComplete emits the reply as ordered token chunks. The
	// final chunk is signalled by the runtime, not the engine.
	StreamComplete(ctx context.Context, req *Request, emit func(token string) error) error
}

// MockEngine is the deterministic engine used by tests and `relay
// worker --mock`: "ping" answers "pong", anything else is echoed.
type MockEngine struct{}

func (MockEngine) reply(req *Request) string {
	msg := req.LastUserMessage()
	if strings.EqualFold(strings.TrimSpace(msg), "ping") {
		return "pong"
	}
	return msg
}

// Complete implements Engine.
func (e MockEngine) Complete(ctx context.Context, req *Request) (*openai.WorkerReply, error) {
	text := e.reply(req)
	return &openai.WorkerReply{
		Content:      text,
		FinishReason: "stop",
		Usage: &openai.Usage{
			PromptTokens:     len(strings.Fields(req.LastUserMessage())),
			CompletionTokens: len(strings.Fields(text)),
		},
	}, nil
}

// StreamComplete implements Engine, emitting the reply word by word.
func (e MockEngine) StreamComplete(ctx context.Context, req *Request, emit func(token string) error) error {
	words := strings.Fields(e.reply(req))
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(word); err != nil {
			return err
		}
	}
	return nil
}

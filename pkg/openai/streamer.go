package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tokenplace/relay/pkg/relayerr"
)

// Streamer writes OpenAI-format SSE delta frames. Frame order is fixed:
// a role frame, content frames, a finish frame with finish_reason
// "stop", then the [DONE] terminator. Metadata from the request is
// echoed in every frame.
type Streamer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	id       string
	model    string
	created  int64
	metadata map[string]any

	sentRole bool
	finished bool
}

// NewStreamer prepares the response for SSE and returns the frame
// writer. Fails if the ResponseWriter cannot flush.
func NewStreamer(w http.ResponseWriter, model string, metadata map[string]any) (*Streamer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, relayerr.New(relayerr.KindInternal, "response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &Streamer{
		w:        w,
		flusher:  flusher,
		id:       NewCompletionID(),
		model:    model,
		created:  time.Now().Unix(),
		metadata: metadata,
	}, nil
}

// ID returns the completion identifier shared by every frame.
func (s *Streamer) ID() string {
	return s.id
}

// Content writes one content delta. The first call also emits the
// leading role frame.
func (s *Streamer) Content(text string) error {
	if s.finished {
		return relayerr.New(relayerr.KindInternal, "stream already finished")
	}
	if !s.sentRole {
		if err := s.writeChunk(ChunkChoice{Delta: Delta{Role: "assistant"}}); err != nil {
			return err
		}
		s.sentRole = true
	}
	if text == "" {
		return nil
	}
	return s.writeChunk(ChunkChoice{Delta: Delta{Content: text}})
}

// Finish writes the finish_reason frame and the [DONE] terminator.
func (s *Streamer) Finish() error {
	if s.finished {
		return nil
	}
	if !s.sentRole {
		if err := s.writeChunk(ChunkChoice{Delta: Delta{Role: "assistant"}}); err != nil {
			return err
		}
		s.sentRole = true
	}

	stop := "stop"
	if err := s.writeChunk(ChunkChoice{Delta: Delta{}, FinishReason: &stop}); err != nil {
		return err
	}

	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	s.finished = true
	return nil
}

// Error terminates the stream with an error frame followed by [DONE].
// Only the error kind's wire name is exposed, never internals.
func (s *Streamer) Error(err error) {
	if s.finished {
		return
	}
	frame := map[string]any{
		"error": map[string]any{
			"type":    relayerr.KindOf(err).String(),
			"message": err.Error(),
		},
	}
	if data, merr := json.Marshal(frame); merr == nil {
		fmt.Fprintf(s.w, "data: %s\n\n", data)
	}
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
	s.finished = true
}

func (s *Streamer) writeChunk(choice ChunkChoice) error {
	choice.Index = 0
	chunk := ChatCompletionChunk{
		ID:       s.id,
		Object:   "chat.completion.chunk",
		Created:  s.created,
		Model:    s.model,
		Choices:  []ChunkChoice{choice},
		Metadata: s.metadata,
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return relayerr.Wrap(relayerr.KindInternal, "chunk serialization failed", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

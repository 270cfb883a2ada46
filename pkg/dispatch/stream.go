package dispatch

import (
	"time"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/pkg/envelope"
	"github.com/tokenplace/relay/pkg/metrics"
	"github.com/tokenplace/relay/pkg/relayerr"
)

// streamState buffers a stream's chunks and enforces in-order delivery.
// Chunks arriving out of order are held until the gap closes; the
// sweeper fails the stream if a gap outlives the gap timeout.
type streamState struct {
	// ready holds contiguous chunks starting at index 0; ready[i] is
	// chunk i.
	ready []*envelope.Record

	// held buffers out-of-order arrivals keyed by chunk index.
	held map[int]*envelope.Record

	nextExpected int
	finalSeen    bool
	lastActivity time.Time

	// gapSince is set when the first out-of-order chunk opens a gap and
	// cleared when the gap closes.
	gapSince time.Time
}

// appendChunkLocked folds one chunk into the ticket's stream state.
// Callers hold d.mu.
func (d *Dispatcher) appendChunkLocked(t *ticket, rec *envelope.Record) {
	if t.stream == nil {
		t.stream = &streamState{held: make(map[int]*envelope.Record)}
	}
	s := t.stream
	now := d.now()
	s.lastActivity = now

	idx := *rec.ChunkIndex
	if idx < s.nextExpected {
		// Duplicate delivery of an already-accepted chunk.
		return
	}
	if _, dup := s.held[idx]; dup {
		return
	}

	s.held[idx] = rec
	metrics.ObserveStreamChunk(d.metrics, "buffered")

	// Drain the contiguous prefix.
	for {
		next, ok := s.held[s.nextExpected]
		if !ok {
			break
		}
		delete(s.held, s.nextExpected)
		s.ready = append(s.ready, next)
		s.nextExpected++
		if next.Final {
			s.finalSeen = true
		}
		metrics.ObserveStreamChunk(d.metrics, "delivered")
	}

	if len(s.held) > 0 {
		if s.gapSince.IsZero() {
			s.gapSince = now
			logger.Debug("stream gap opened",
				logger.KeyRequestID, t.requestID,
				logger.KeyChunkIndex, s.nextExpected)
		}
	} else {
		s.gapSince = time.Time{}
	}
}

// gapExceeded reports whether an open gap is older than the timeout.
func (s *streamState) gapExceeded(now time.Time, timeout time.Duration) bool {
	return !s.gapSince.IsZero() && now.Sub(s.gapSince) > timeout
}

// StreamChunks is the outcome of a client stream retrieve.
type StreamChunks struct {
	// Chunks are the in-order chunks from the requested index.
	Chunks []*envelope.Record `json:"chunks"`

	// NextIndex is the index the client should ask for next.
	NextIndex int `json:"next_index"`

	// FinalSeen reports whether the terminal chunk has been delivered.
	FinalSeen bool `json:"final_seen"`

	// LastActivity is when the worker last published a chunk.
	LastActivity time.Time `json:"last_activity"`
}

// ClientStreamRetrieve returns the contiguous chunks from fromIndex
// onward. The caller's key fingerprint must match the ticket's. Once
// the final chunk has been handed out the ticket is deleted.
func (d *Dispatcher) ClientStreamRetrieve(requestID, clientFP string, fromIndex int) (*StreamChunks, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tickets[requestID]
	if !ok {
		return nil, relayerr.New(relayerr.KindTicketExpired, "unknown or expired request")
	}
	if t.clientFP != clientFP {
		return nil, relayerr.Unauthorized()
	}
	if t.state == stateFailed {
		failure := t.failure
		delete(d.tickets, requestID)
		return nil, failure
	}
	if d.expiredLocked(t) && (t.stream == nil || !t.stream.finalSeen) {
		delete(d.tickets, requestID)
		return nil, relayerr.New(relayerr.KindTicketExpired, "request ticket expired")
	}
	if fromIndex < 0 {
		return nil, relayerr.InvalidInput("from_index must not be negative")
	}

	out := &StreamChunks{NextIndex: fromIndex}
	if t.stream == nil {
		return out, nil
	}

	s := t.stream
	out.FinalSeen = s.finalSeen
	out.LastActivity = s.lastActivity
	if fromIndex < len(s.ready) {
		out.Chunks = s.ready[fromIndex:]
		out.NextIndex = len(s.ready)
	}

	// The client has everything; the ticket is done.
	if s.finalSeen && out.NextIndex >= s.nextExpected {
		delete(d.tickets, requestID)
	}
	return out, nil
}

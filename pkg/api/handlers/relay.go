// Package handlers implements the relay's HTTP endpoints.
//
// All handlers hang off a single Relay context struct that is built
// once at startup and injected into the router. There are no package
// globals: every subsystem the handlers touch (keys, registry,
// dispatcher, rate limits, perf monitor) arrives through the
// constructor.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/pkg/dispatch"
	"github.com/tokenplace/relay/pkg/envelope"
	"github.com/tokenplace/relay/pkg/keymgr"
	"github.com/tokenplace/relay/pkg/metrics"
	"github.com/tokenplace/relay/pkg/perf"
	"github.com/tokenplace/relay/pkg/ratelimit"
	"github.com/tokenplace/relay/pkg/registry"
	"github.com/tokenplace/relay/pkg/relayerr"
)

// Relay bundles the subsystems the HTTP handlers operate on.
type Relay struct {
	Keys     *keymgr.Manager
	Registry *registry.Registry
	Dispatch *dispatch.Dispatcher
	Limits   *ratelimit.Limiter
	Perf     *perf.Monitor
	Metrics  metrics.RelayMetrics

	// PollTimeout bounds a worker long-poll on /sink.
	PollTimeout time.Duration

	// StreamPollTimeout bounds a client long-poll on /stream/retrieve.
	StreamPollTimeout time.Duration

	// AdminUsername and AdminPasswordHash authenticate /admin/login.
	AdminUsername     string
	AdminPasswordHash string

	// PublicURL is the externally reachable URL advertised in /healthz.
	// Empty when the relay is not behind a proxy.
	PublicURL string

	draining atomic.Bool
}

// Draining reports whether an operator has flipped the relay into
// drain mode. Draining relays refuse new submissions but keep serving
// retrieves and worker publishes so in-flight requests complete.
func (rl *Relay) Draining() bool {
	return rl.draining.Load()
}

// SetDraining flips drain mode.
func (rl *Relay) SetDraining(on bool) {
	rl.draining.Store(on)
}

// PublicKey handles GET /public-key.
// Returns the relay's own base64-SPKI public key. Rotated-out keys are
// never served here; they live only in the decrypt grace ring.
func (rl *Relay) PublicKey(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{
		"public_key": rl.Keys.OwnPublicKey(),
		"key_id":     rl.Keys.KeyID(),
	})
}

// NextServer handles GET /next-server.
// Legacy endpoint: returns the public key of the worker the relay
// would pick next, without binding a request or advancing rotation.
func (rl *Relay) NextServer(w http.ResponseWriter, r *http.Request) {
	worker, err := rl.Registry.PeekNext()
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{
		"worker_id":  worker.ID,
		"public_key": worker.PublicKey,
	})
}

// SubmitRequest is the body for POST /submit (alias /faucet).
type SubmitRequest struct {
	Envelope        json.RawMessage `json:"envelope"`
	ClientPublicKey string          `json:"client_public_key"`
	Model           string          `json:"model,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
}

// Submit handles POST /submit and POST /faucet.
// Accepts an encrypted envelope, binds it to a worker, and returns the
// request ticket ID the client polls /retrieve with.
func (rl *Relay) Submit(w http.ResponseWriter, r *http.Request) {
	defer rl.Perf.Time("http.submit", time.Now())

	if rl.Draining() {
		metrics.ObserveSubmit(rl.Metrics, "draining")
		writeError(w, &relayerr.Error{
			Kind:       relayerr.KindNoWorkers,
			Message:    "relay is draining",
			RetryAfter: 5 * time.Second,
		})
		return
	}

	var req SubmitRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Envelope) == 0 {
		writeError(w, relayerr.MissingField("envelope"))
		return
	}

	fp, err := rl.clientFingerprint(req.ClientPublicKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rl.Limits.Allow(fp, ratelimit.BucketSubmit); err != nil {
		metrics.ObserveSubmit(rl.Metrics, "rate-limited")
		writeError(w, err)
		return
	}

	rec, err := envelope.ParseRecord(req.Envelope)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rec.Validate(); err != nil {
		writeError(w, err)
		return
	}
	rec.ClientPublicKey = req.ClientPublicKey
	if req.Model != "" {
		rec.Model = req.Model
	}
	if req.Stream {
		rec.Stream = true
	}

	requestID, err := rl.Dispatch.Submit(fp, rec)
	if err != nil {
		metrics.ObserveSubmit(rl.Metrics, relayerr.KindOf(err).String())
		writeError(w, err)
		return
	}

	metrics.ObserveSubmit(rl.Metrics, "accepted")
	if rl.Metrics != nil {
		rl.Metrics.RecordEnvelopeBytes("inbound", len(req.Envelope))
	}
	writeOK(w, map[string]string{"request_id": requestID})
}

// RetrieveRequest is the body for POST /retrieve.
type RetrieveRequest struct {
	RequestID       string `json:"request_id"`
	ClientPublicKey string `json:"client_public_key"`
}

// Retrieve handles POST /retrieve.
// Returns the reply envelope when ready, a pending status while the
// worker is still computing, or the ticket's failure.
func (rl *Relay) Retrieve(w http.ResponseWriter, r *http.Request) {
	defer rl.Perf.Time("http.retrieve", time.Now())

	var req RetrieveRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		writeError(w, relayerr.MissingField("request_id"))
		return
	}

	fp, err := rl.clientFingerprint(req.ClientPublicKey)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := rl.Dispatch.ClientRetrieve(req.RequestID, fp)
	if err != nil {
		metrics.ObserveRetrieve(rl.Metrics, relayerr.KindOf(err).String())
		writeError(w, err)
		return
	}
	if result.Pending {
		metrics.ObserveRetrieve(rl.Metrics, "pending")
		writeStatus(w, "pending", nil)
		return
	}

	metrics.ObserveRetrieve(rl.Metrics, "delivered")
	writeOK(w, map[string]*envelope.Record{"envelope": result.Reply})
}

// SinkRequest is the body for POST /sink. Worker polls double as
// announce refreshes: a poll carrying a public key upserts the worker
// record before waiting for work.
type SinkRequest struct {
	WorkerID       string `json:"worker_id"`
	PublicKey      string `json:"public_key,omitempty"`
	AuthToken      string `json:"auth_token,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Sink handles POST /sink and GET /sink.
// Long-polls for one pending request bound to this worker. GET is the
// lightweight refresh form: worker_id and timeout come from the query
// string and no announce is performed.
func (rl *Relay) Sink(w http.ResponseWriter, r *http.Request) {
	var req SinkRequest
	if r.Method == http.MethodGet {
		req.WorkerID = r.URL.Query().Get("worker_id")
		if secs := r.URL.Query().Get("timeout_seconds"); secs != "" {
			// Malformed values fall through to the default timeout.
			if n, err := strconv.Atoi(secs); err == nil {
				req.TimeoutSeconds = n
			}
		}
	} else if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.WorkerID == "" {
		writeError(w, relayerr.MissingField("worker_id"))
		return
	}

	if req.PublicKey != "" {
		if _, err := rl.Registry.Announce(req.WorkerID, req.PublicKey, req.AuthToken); err != nil {
			metrics.ObserveWorkerPoll(rl.Metrics, relayerr.KindOf(err).String())
			writeError(w, err)
			return
		}
	} else if _, ok := rl.Registry.Get(req.WorkerID); !ok {
		// A bare poll from an unknown worker must re-announce first.
		writeError(w, relayerr.New(relayerr.KindUnauthorized, "worker is not registered; announce a public key"))
		return
	}

	timeout := rl.PollTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	item, err := rl.Dispatch.WorkerPoll(r.Context(), req.WorkerID, timeout)
	if err != nil {
		metrics.ObserveWorkerPoll(rl.Metrics, relayerr.KindOf(err).String())
		writeError(w, err)
		return
	}
	if item == nil {
		metrics.ObserveWorkerPoll(rl.Metrics, "empty")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	metrics.ObserveWorkerPoll(rl.Metrics, "delivered")
	logger.Debug("request handed to worker",
		logger.KeyRequestID, item.RequestID,
		logger.KeyWorkerID, req.WorkerID,
	)
	writeOK(w, map[string]any{
		"request_id":        item.RequestID,
		"envelope":          item.Envelope,
		"stream_session_id": item.Envelope.StreamSessionID,
	})
}

// SourceRequest is the body for POST /source and POST /stream/source.
type SourceRequest struct {
	WorkerID  string          `json:"worker_id"`
	RequestID string          `json:"request_id"`
	Envelope  json.RawMessage `json:"envelope"`
}

// Source handles POST /source.
// A worker publishes its reply envelope, or one stream chunk when the
// envelope carries a chunk_index.
func (rl *Relay) Source(w http.ResponseWriter, r *http.Request) {
	rl.publish(w, r, false)
}

// StreamSource handles POST /stream/source.
// Identical to Source except the envelope must be a stream chunk.
func (rl *Relay) StreamSource(w http.ResponseWriter, r *http.Request) {
	rl.publish(w, r, true)
}

func (rl *Relay) publish(w http.ResponseWriter, r *http.Request, chunkOnly bool) {
	defer rl.Perf.Time("http.publish", time.Now())

	var req SourceRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	switch {
	case req.WorkerID == "":
		writeError(w, relayerr.MissingField("worker_id"))
		return
	case req.RequestID == "":
		writeError(w, relayerr.MissingField("request_id"))
		return
	case len(req.Envelope) == 0:
		writeError(w, relayerr.MissingField("envelope"))
		return
	}

	rec, err := envelope.ParseRecord(req.Envelope)
	if err != nil {
		writeError(w, err)
		return
	}
	if chunkOnly && rec.ChunkIndex == nil {
		writeError(w, relayerr.MissingField("chunk_index"))
		return
	}

	if err := rl.Dispatch.WorkerPublish(req.WorkerID, req.RequestID, rec); err != nil {
		metrics.ObserveWorkerPublish(rl.Metrics, relayerr.KindOf(err).String())
		writeError(w, err)
		return
	}

	metrics.ObserveWorkerPublish(rl.Metrics, "accepted")
	if rl.Metrics != nil {
		rl.Metrics.RecordEnvelopeBytes("outbound", len(req.Envelope))
	}
	writeOK(w, nil)
}

// StreamRetrieveRequest is the body for POST /stream/retrieve.
type StreamRetrieveRequest struct {
	RequestID       string `json:"request_id"`
	ClientPublicKey string `json:"client_public_key"`
	FromIndex       int    `json:"from_index"`
}

// StreamRetrieve handles POST /stream/retrieve.
// Long-polls for buffered stream chunks at or after from_index. The
// poll returns as soon as at least one chunk is available, the final
// chunk has been seen, or the stream poll timeout lapses.
func (rl *Relay) StreamRetrieve(w http.ResponseWriter, r *http.Request) {
	defer rl.Perf.Time("http.stream_retrieve", time.Now())

	var req StreamRetrieveRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		writeError(w, relayerr.MissingField("request_id"))
		return
	}

	fp, err := rl.clientFingerprint(req.ClientPublicKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rl.Limits.Allow(fp, ratelimit.BucketStreamRetrieve); err != nil {
		writeError(w, err)
		return
	}

	deadline := time.Now().Add(rl.StreamPollTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		chunks, err := rl.Dispatch.ClientStreamRetrieve(req.RequestID, fp, req.FromIndex)
		if err != nil {
			metrics.ObserveStreamChunk(rl.Metrics, relayerr.KindOf(err).String())
			writeError(w, err)
			return
		}
		if len(chunks.Chunks) > 0 || chunks.FinalSeen || time.Now().After(deadline) {
			metrics.ObserveStreamChunk(rl.Metrics, "delivered")
			writeOK(w, chunks)
			return
		}

		select {
		case <-r.Context().Done():
			// Client went away; the ticket survives for the next poll.
			return
		case <-ticker.C:
		}
	}
}

// clientFingerprint validates a client public key and returns its
// fingerprint, the identity rate limits and ticket ownership key on.
func (rl *Relay) clientFingerprint(publicKey string) (string, error) {
	if publicKey == "" {
		return "", relayerr.MissingField("client_public_key")
	}
	_, fp, err := keymgr.AcceptPeerPublicKey(publicKey)
	if err != nil {
		return "", err
	}
	return fp, nil
}

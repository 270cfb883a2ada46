package handlers

import (
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/pkg/dispatch"
	"github.com/tokenplace/relay/pkg/envelope"
	"github.com/tokenplace/relay/pkg/keymgr"
	"github.com/tokenplace/relay/pkg/openai"
	"github.com/tokenplace/relay/pkg/ratelimit"
	"github.com/tokenplace/relay/pkg/relayerr"
)

// chatRetrieveInterval is how often the synchronous chat path polls
// the dispatcher for the worker's reply.
const chatRetrieveInterval = 200 * time.Millisecond

// ChatCompletions handles POST /v1/chat/completions.
//
// Two modes share the endpoint:
//
//   - Encrypted mode (encrypted:true): the messages field is an
//     envelope the relay cannot read. The envelope is bound to a worker
//     and the caller gets a ticket to poll /retrieve or /stream/retrieve
//     with. The relay never holds plaintext.
//
//   - Plaintext mode: the relay terminates the OpenAI surface itself.
//     It encrypts the conversation under the chosen worker's key, names
//     its own key as the reply target, and waits synchronously for the
//     decrypted answer (or streams it as SSE deltas).
func (rl *Relay) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	defer rl.Perf.Time("http.chat_completions", time.Now())

	var req openai.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		chatError(w, relayerr.InvalidInput("invalid request body"))
		return
	}

	if rl.Draining() {
		chatError(w, &relayerr.Error{
			Kind:       relayerr.KindNoWorkers,
			Message:    "relay is draining",
			RetryAfter: 5 * time.Second,
		})
		return
	}

	if req.Encrypted {
		rl.chatEncrypted(w, r, &req)
		return
	}
	rl.chatPlaintext(w, r, &req)
}

// chatEncrypted binds the caller's envelope to a worker. Non-streaming
// callers get a ticket and poll the retrieve endpoints like any other
// encrypted client; streaming callers get the worker's sealed chunks
// relayed as SSE deltas.
func (rl *Relay) chatEncrypted(w http.ResponseWriter, r *http.Request, req *openai.ChatRequest) {
	rec, err := req.EncryptedEnvelope()
	if err != nil {
		chatError(w, err)
		return
	}

	fp, err := rl.clientFingerprint(rec.ClientPublicKey)
	if err != nil {
		chatError(w, err)
		return
	}
	if err := rl.Limits.Allow(fp, ratelimit.BucketSubmit); err != nil {
		chatError(w, err)
		return
	}

	requestID, err := rl.Dispatch.Submit(fp, rec)
	if err != nil {
		chatError(w, err)
		return
	}

	if req.Stream {
		rl.chatEncryptedStream(w, r, req, requestID, fp, time.Now().Add(rl.chatWait()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"object":     "relay.ticket",
		"request_id": requestID,
	})
}

// chatEncryptedStream relays sealed worker chunks as SSE deltas. Each
// content delta carries one chunk's envelope record as JSON: the first
// record holds the wrapped stream session key, so the caller unwraps
// it once and decrypts every later chunk with the same session key.
// Chunk indices and final flags ride along inside the records; the
// relay never opens them.
func (rl *Relay) chatEncryptedStream(w http.ResponseWriter, r *http.Request, req *openai.ChatRequest, requestID, clientFP string, deadline time.Time) {
	streamer, err := openai.NewStreamer(w, req.Model, req.Metadata)
	if err != nil {
		chatError(w, err)
		return
	}

	ticker := time.NewTicker(chatRetrieveInterval)
	defer ticker.Stop()

	next := 0
	for {
		chunks, err := rl.Dispatch.ClientStreamRetrieve(requestID, clientFP, next)
		if err != nil {
			streamer.Error(err)
			return
		}

		for _, chunk := range chunks.Chunks {
			data, err := json.Marshal(chunk)
			if err != nil {
				streamer.Error(relayerr.Wrap(relayerr.KindInternal, "chunk serialization failed", err))
				return
			}
			if err := streamer.Content(string(data)); err != nil {
				logger.Warn("stream write failed",
					logger.KeyRequestID, requestID,
					logger.KeyError, err.Error(),
				)
				return
			}
		}
		next = chunks.NextIndex

		if chunks.FinalSeen {
			if err := streamer.Finish(); err != nil {
				logger.Warn("stream finish failed",
					logger.KeyRequestID, requestID,
					logger.KeyError, err.Error(),
				)
			}
			return
		}
		if time.Now().After(deadline) {
			streamer.Error(relayerr.New(relayerr.KindTicketExpired, "worker did not finish the stream in time"))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// chatPlaintext runs the full round-trip on behalf of the caller.
func (rl *Relay) chatPlaintext(w http.ResponseWriter, r *http.Request, req *openai.ChatRequest) {
	msgs, err := req.PlainMessages()
	if err != nil {
		chatError(w, err)
		return
	}

	// The relay is the client for this request: replies come back
	// encrypted under its own key.
	relayFP := keymgr.Fingerprint(rl.Keys.OwnPublicKey())
	if err := rl.Limits.Allow(relayFP, ratelimit.BucketSubmit); err != nil {
		chatError(w, err)
		return
	}

	worker, err := rl.Registry.PickNext()
	if err != nil {
		chatError(w, err)
		return
	}
	workerKey, _, err := keymgr.AcceptPeerPublicKey(worker.PublicKey)
	if err != nil {
		chatError(w, relayerr.Wrap(relayerr.KindInternal, "registered worker key failed validation", err))
		return
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   req.Stream,
	}
	rec, err := envelope.EncryptAuthenticated(payload, workerKey)
	if err != nil {
		chatError(w, err)
		return
	}
	rec.ClientPublicKey = rl.Keys.OwnPublicKey()
	rec.Model = req.Model
	rec.Stream = req.Stream

	requestID, err := rl.Dispatch.SubmitToWorker(worker.ID, relayFP, rec)
	if err != nil {
		chatError(w, err)
		return
	}

	deadline := time.Now().Add(rl.chatWait())
	if req.Stream {
		rl.chatStream(w, r, req, requestID, relayFP, deadline)
		return
	}
	rl.chatWaitReply(w, r, req, requestID, relayFP, deadline)
}

// chatWaitReply polls the dispatcher until the worker's reply lands,
// then decrypts it and renders the OpenAI completion body.
func (rl *Relay) chatWaitReply(w http.ResponseWriter, r *http.Request, req *openai.ChatRequest, requestID, relayFP string, deadline time.Time) {
	ticker := time.NewTicker(chatRetrieveInterval)
	defer ticker.Stop()

	var result *dispatch.RetrieveResult
	for {
		res, err := rl.Dispatch.ClientRetrieve(requestID, relayFP)
		if err != nil {
			chatError(w, err)
			return
		}
		if !res.Pending {
			result = res
			break
		}
		if time.Now().After(deadline) {
			chatError(w, relayerr.New(relayerr.KindTicketExpired, "worker did not reply in time"))
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}

	raw, err := rl.decryptOwn(result.Reply)
	if err != nil {
		chatError(w, err)
		return
	}

	var reply openai.WorkerReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		chatError(w, relayerr.Wrap(relayerr.KindBadUpstream, "worker reply is not a chat completion", err))
		return
	}

	completion := openai.BuildCompletion(openai.NewCompletionID(), req.Model, &reply, req.Metadata)
	writeJSON(w, http.StatusOK, completion)
}

// chatStream relays decrypted worker chunks as SSE deltas.
func (rl *Relay) chatStream(w http.ResponseWriter, r *http.Request, req *openai.ChatRequest, requestID, relayFP string, deadline time.Time) {
	streamer, err := openai.NewStreamer(w, req.Model, req.Metadata)
	if err != nil {
		chatError(w, err)
		return
	}

	ticker := time.NewTicker(chatRetrieveInterval)
	defer ticker.Stop()

	next := 0
	for {
		chunks, err := rl.Dispatch.ClientStreamRetrieve(requestID, relayFP, next)
		if err != nil {
			streamer.Error(err)
			return
		}

		for _, chunk := range chunks.Chunks {
			raw, err := rl.decryptOwn(chunk)
			if err != nil {
				streamer.Error(relayerr.Wrap(relayerr.KindChunkIntegrity, "chunk rejected", err))
				return
			}
			if err := streamer.Content(string(raw)); err != nil {
				logger.Warn("stream write failed",
					logger.KeyRequestID, requestID,
					logger.KeyError, err.Error(),
				)
				return
			}
		}
		next = chunks.NextIndex

		if chunks.FinalSeen {
			if err := streamer.Finish(); err != nil {
				logger.Warn("stream finish failed",
					logger.KeyRequestID, requestID,
					logger.KeyError, err.Error(),
				)
			}
			return
		}
		if time.Now().After(deadline) {
			streamer.Error(relayerr.New(relayerr.KindTicketExpired, "worker did not finish the stream in time"))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// decryptOwn opens an envelope addressed to the relay itself, trying
// the active key first and then the rotation grace ring.
func (rl *Relay) decryptOwn(rec *envelope.Record) ([]byte, error) {
	var raw []byte
	err := rl.Keys.Decrypter()(func(priv *rsa.PrivateKey) error {
		dec, err := envelope.Decrypt(rec, priv)
		if err != nil {
			return err
		}
		raw = dec.Bytes()
		return nil
	})
	return raw, err
}

// chatWait bounds the synchronous chat round-trip.
func (rl *Relay) chatWait() time.Duration {
	if rl.StreamPollTimeout > 0 {
		return 2 * rl.StreamPollTimeout
	}
	return time.Minute
}

// chatError renders the OpenAI-style error body the completions
// endpoint uses instead of the relay's standard wrapper.
func chatError(w http.ResponseWriter, err error) {
	kind := relayerr.KindOf(err)
	msg := err.Error()
	if kind == relayerr.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, relayerr.HTTPStatus(kind), map[string]any{
		"error": map[string]string{
			"type":    kind.String(),
			"message": msg,
		},
	})
}

// Package worker implements the reference inference worker: a relay
// client that long-polls for encrypted requests, runs an Engine over
// the decrypted payload, and publishes replies sealed under the
// requester's key. The relay never sees the plaintext on either leg.
package worker

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"time"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/pkg/apiclient"
	"github.com/tokenplace/relay/pkg/envelope"
	"github.com/tokenplace/relay/pkg/keymgr"
)

// Options configures a Worker.
type Options struct {
	// ID identifies the worker to the relay. Required.
	ID string

	// AuthToken is the shared registration token, when the relay
	// requires one.
	AuthToken string

	// PollTimeoutSeconds bounds each sink long-poll. Zero uses the
	// relay's default.
	PollTimeoutSeconds int

	// Engine produces the completions. Required.
	Engine Engine
}

// Worker polls a relay and serves requests with its Engine.
type Worker struct {
	id        string
	authToken string
	pollSecs  int
	api       *apiclient.Client
	keys      *keymgr.Manager
	engine    Engine
}

// New creates a worker with a fresh keypair.
func New(api *apiclient.Client, opts Options) (*Worker, error) {
	if opts.ID == "" {
		return nil, errors.New("worker ID is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("worker engine is required")
	}

	keys, err := keymgr.New()
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:        opts.ID,
		authToken: opts.AuthToken,
		pollSecs:  opts.PollTimeoutSeconds,
		api:       api,
		keys:      keys,
		engine:    opts.Engine,
	}, nil
}

// PublicKey returns the worker's announce key.
func (w *Worker) PublicKey() string {
	return w.keys.OwnPublicKey()
}

// Run polls the relay until the context is cancelled. Every poll
// re-announces the worker's public key, which doubles as the liveness
// refresh. Transient relay errors back off briefly instead of killing
// the loop.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("worker polling relay",
		logger.KeyWorkerID, w.id,
		"relay", w.api.BaseURL(),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := w.api.Sink(w.id, w.keys.OwnPublicKey(), w.authToken, w.pollSecs)
		if err != nil {
			var apiErr *apiclient.APIError
			if errors.As(err, &apiErr) && apiErr.IsAuthError() {
				// Wrong registration token; retrying won't help.
				return err
			}
			logger.Warn("sink poll failed",
				logger.KeyWorkerID, w.id,
				logger.KeyError, err.Error(),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if item == nil {
			continue
		}

		if err := w.serve(ctx, item); err != nil {
			logger.Warn("request failed",
				logger.KeyWorkerID, w.id,
				logger.KeyRequestID, item.RequestID,
				logger.KeyError, err.Error(),
			)
		}
	}
}

// serve handles one delivered request end to end.
func (w *Worker) serve(ctx context.Context, item *apiclient.WorkItem) error {
	start := time.Now()

	req, err := w.decode(item.Envelope)
	if err != nil {
		return err
	}

	clientKey, _, err := keymgr.AcceptPeerPublicKey(item.Envelope.ClientPublicKey)
	if err != nil {
		return err
	}

	if item.Envelope.Stream || req.Stream {
		err = w.serveStream(ctx, item.RequestID, req, clientKey)
	} else {
		err = w.serveOnce(ctx, item.RequestID, req, clientKey)
	}
	if err != nil {
		return err
	}

	logger.Info("request served",
		logger.KeyWorkerID, w.id,
		logger.KeyRequestID, item.RequestID,
		logger.KeyModel, req.Model,
		logger.KeyDurationMs, float64(time.Since(start).Microseconds())/1000,
	)
	return nil
}

// decode opens the request envelope and parses the chat payload.
func (w *Worker) decode(rec *envelope.Record) (*Request, error) {
	var raw []byte
	err := w.keys.Decrypter()(func(priv *rsa.PrivateKey) error {
		dec, err := envelope.Decrypt(rec, priv)
		if err != nil {
			return err
		}
		raw = dec.Bytes()
		return nil
	})
	if err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// serveOnce answers with a single sealed reply.
func (w *Worker) serveOnce(ctx context.Context, requestID string, req *Request, clientKey *rsa.PublicKey) error {
	reply, err := w.engine.Complete(ctx, req)
	if err != nil {
		return err
	}
	if reply.FinishReason == "" {
		reply.FinishReason = "stop"
	}

	rec, err := envelope.EncryptAuthenticated(reply, clientKey)
	if err != nil {
		return err
	}
	return w.api.Source(w.id, requestID, rec)
}

// serveStream answers with an ordered chunk stream. The session key is
// wrapped once; each chunk gets a fresh IV. An empty final chunk
// closes the stream after the engine finishes.
func (w *Worker) serveStream(ctx context.Context, requestID string, req *Request, clientKey *rsa.PublicKey) error {
	session, err := envelope.BeginStream(clientKey)
	if err != nil {
		return err
	}

	emit := func(token string) error {
		rec, err := session.EncryptChunk([]byte(token), false, nil)
		if err != nil {
			return err
		}
		return w.api.StreamSource(w.id, requestID, rec)
	}
	if err := w.engine.StreamComplete(ctx, req, emit); err != nil {
		return err
	}

	final, err := session.EncryptChunk([]byte{}, true, nil)
	if err != nil {
		return err
	}
	return w.api.StreamSource(w.id, requestID, final)
}

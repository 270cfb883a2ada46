package apiclient

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/tokenplace/relay/pkg/envelope"
	"github.com/tokenplace/relay/pkg/keymgr"
)

// retrieveInterval paces the client-side retrieve poll.
const retrieveInterval = 500 * time.Millisecond

// SecureClient runs the full encrypted round-trip on behalf of a
// caller: it owns a client keypair, seals prompts under the next
// worker's key, and opens replies. The relay only ever sees envelopes.
type SecureClient struct {
	api  *Client
	keys *keymgr.Manager
}

// NewSecureClient creates a secure client with a fresh keypair.
func NewSecureClient(api *Client) (*SecureClient, error) {
	keys, err := keymgr.New()
	if err != nil {
		return nil, err
	}
	return &SecureClient{api: api, keys: keys}, nil
}

// Ask seals the payload for the relay's next worker, submits it, and
// waits for the decrypted reply.
func (s *SecureClient) Ask(ctx context.Context, payload any) ([]byte, error) {
	requestID, err := s.Submit(payload, false)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(retrieveInterval)
	defer ticker.Stop()

	for {
		rec, pending, err := s.api.Retrieve(requestID, s.keys.OwnPublicKey())
		if err != nil {
			return nil, err
		}
		if !pending {
			return s.open(rec)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AskStream submits a streaming request and invokes onChunk for each
// decrypted chunk in order until the final chunk arrives.
func (s *SecureClient) AskStream(ctx context.Context, payload any, onChunk func([]byte) error) error {
	requestID, err := s.Submit(payload, true)
	if err != nil {
		return err
	}

	var session *envelope.Session
	next := 0
	for {
		chunks, err := s.api.StreamRetrieve(requestID, s.keys.OwnPublicKey(), next)
		if err != nil {
			return err
		}

		for _, rec := range chunks.Chunks {
			if session == nil {
				var openErr error
				session, openErr = s.openStream(rec)
				if openErr != nil {
					return openErr
				}
			}
			plain, err := session.DecryptChunk(rec, nil)
			if err != nil {
				return err
			}
			if err := onChunk(plain); err != nil {
				return err
			}
		}
		next = chunks.NextIndex

		if chunks.FinalSeen {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Submit seals the payload for the relay's next worker and returns the
// request ticket ID. Most callers want Ask or AskStream instead.
func (s *SecureClient) Submit(payload any, stream bool) (string, error) {
	next, err := s.api.NextServer()
	if err != nil {
		return "", err
	}
	workerKey, _, err := keymgr.AcceptPeerPublicKey(next.PublicKey)
	if err != nil {
		return "", fmt.Errorf("relay returned an invalid worker key: %w", err)
	}

	rec, err := envelope.EncryptAuthenticated(payload, workerKey)
	if err != nil {
		return "", err
	}
	return s.api.Submit(rec, s.keys.OwnPublicKey(), stream)
}

// open decrypts a reply envelope with the client's keypair.
func (s *SecureClient) open(rec *envelope.Record) ([]byte, error) {
	var raw []byte
	err := s.keys.Decrypter()(func(priv *rsa.PrivateKey) error {
		dec, err := envelope.Decrypt(rec, priv)
		if err != nil {
			return err
		}
		raw = dec.Bytes()
		return nil
	})
	return raw, err
}

// openStream opens the stream session announced by the first chunk.
func (s *SecureClient) openStream(rec *envelope.Record) (*envelope.Session, error) {
	var session *envelope.Session
	err := s.keys.Decrypter()(func(priv *rsa.PrivateKey) error {
		sess, err := envelope.OpenStream(rec.StreamSessionID, rec.CipherKey, priv)
		if err != nil {
			return err
		}
		session = sess
		return nil
	})
	return session, err
}

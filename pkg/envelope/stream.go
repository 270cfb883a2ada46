package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"sync"

	"github.com/google/uuid"
	"github.com/tokenplace/relay/pkg/relayerr"
)

// ivRetryLimit bounds the collision-retry loop when drawing a fresh IV
// for a stream chunk. With 128-bit random IVs a second collision within
// one session is not expected in practice.
const ivRetryLimit = 8

// Session carries the negotiated AES key shared by all chunks of one
// stream. The encrypt side creates it with BeginStream; the decrypt side
// reconstructs it with OpenStream from the session envelope.
//
// A fresh IV is drawn per chunk; the session tracks IVs it has already
// issued and retries on collision. Chunk indices are monotone: the
// encrypt side stamps them, the decrypt side enforces them.
type Session struct {
	// ID is the stream session identifier carried in each chunk record.
	ID string

	// WrappedKey is the RSA-OAEP wrapped session key (the "session
	// envelope") the encrypt side hands to its peer out of band or in
	// the first chunk record.
	WrappedKey string

	mu        sync.Mutex
	key       []byte
	mode      Mode
	nextIndex int
	finalSeen bool
	seenIVs   map[string]struct{}
}

// BeginStream creates a stream session for encrypting chunks to peer.
// Streams default to GCM so every chunk is integrity protected.
func BeginStream(peer *rsa.PublicKey) (*Session, error) {
	if peer == nil {
		return nil, relayerr.InvalidInput("peer public key must not be nil")
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "entropy source failed", err)
	}

	wrapped, err := wrapKey(key, peer)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:         uuid.NewString(),
		WrappedKey: wrapped,
		key:        key,
		mode:       ModeGCM,
		seenIVs:    make(map[string]struct{}),
	}, nil
}

// OpenStream reconstructs the decrypt side of a session from the
// wrapped key carried in the first chunk record.
func OpenStream(sessionID, wrappedKey string, priv *rsa.PrivateKey) (*Session, error) {
	if priv == nil {
		return nil, relayerr.InvalidInput("private key must not be nil")
	}
	if wrappedKey == "" {
		return nil, relayerr.MissingField("cipherkey")
	}

	key, err := unwrapKey(wrappedKey, priv)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:         sessionID,
		WrappedKey: wrappedKey,
		key:        key,
		mode:       ModeGCM,
		seenIVs:    make(map[string]struct{}),
	}, nil
}

// NextIndex returns the index the session expects next.
func (s *Session) NextIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIndex
}

// FinalSeen reports whether a final chunk has passed through the session.
func (s *Session) FinalSeen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalSeen
}

// EncryptChunk seals one chunk under the session key with a fresh IV.
// The chunk index is stamped from the session's internal counter.
// Optional assoc data is authenticated but not encrypted.
func (s *Session) EncryptChunk(chunk []byte, final bool, assoc []byte) (*Record, error) {
	if chunk == nil {
		return nil, relayerr.InvalidInput("chunk must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalSeen {
		return nil, relayerr.InvalidInput("stream already finalized")
	}

	iv, err := s.freshIVLocked()
	if err != nil {
		return nil, err
	}

	ciphertext, err := sealSymmetric(chunk, s.key, iv, s.mode, assoc)
	if err != nil {
		return nil, err
	}

	index := s.nextIndex
	s.nextIndex++
	if final {
		s.finalSeen = true
	}

	return &Record{
		Ciphertext:      base64.StdEncoding.EncodeToString(ciphertext),
		CipherKey:       s.WrappedKey,
		IV:              base64.StdEncoding.EncodeToString(iv),
		Mode:            s.mode,
		Stream:          true,
		ChunkIndex:      &index,
		StreamSessionID: s.ID,
		Final:           final,
	}, nil
}

// DecryptChunk opens one chunk, enforcing in-order delivery: the record's
// chunk_index must equal the session's next expected index. Tampering is
// reported as a chunk-integrity error; prior chunks remain valid.
func (s *Session) DecryptChunk(rec *Record, assoc []byte) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.ChunkIndex == nil {
		return nil, relayerr.MissingField("chunk_index")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if *rec.ChunkIndex != s.nextIndex {
		return nil, relayerr.New(relayerr.KindChunkIntegrity, "chunk index out of order")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindChunkIntegrity, "ciphertext is not valid base64", err)
	}
	iv, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindChunkIntegrity, "iv is not valid base64", err)
	}
	if len(iv) != IVSize {
		return nil, relayerr.New(relayerr.KindChunkIntegrity, "iv must be 16 bytes")
	}

	plaintext, err := openSymmetric(ciphertext, s.key, iv, s.mode, assoc)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindChunkIntegrity, "chunk rejected", err)
	}

	s.nextIndex++
	if rec.Final {
		s.finalSeen = true
	}
	return plaintext, nil
}

// freshIVLocked draws a random IV not yet used within this session,
// retrying on collision. Callers must hold s.mu.
func (s *Session) freshIVLocked() ([]byte, error) {
	for attempt := 0; attempt < ivRetryLimit; attempt++ {
		iv := make([]byte, IVSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, relayerr.Wrap(relayerr.KindInternal, "entropy source failed", err)
		}
		k := string(iv)
		if _, seen := s.seenIVs[k]; seen {
			continue
		}
		s.seenIVs[k] = struct{}{}
		return iv, nil
	}
	return nil, relayerr.New(relayerr.KindInternal, "IV collision retry limit exceeded")
}

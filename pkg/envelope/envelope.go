// Package envelope implements the hybrid RSA/AES record that carries one
// logical message between a client and a worker.
//
// Each one-shot envelope uses a fresh 256-bit AES session key encrypted
// under the peer's 2048-bit RSA public key with OAEP(SHA-256). The AES key
// is base64-encoded BEFORE RSA encryption; that framing is part of the
// wire contract and required for cross-language parity.
//
// Two symmetric modes exist:
//   - CBC (default): AES-256-CBC with strict PKCS#7 padding.
//   - GCM: AES-256-GCM with the nonce in the iv field and the tag
//     appended to the ciphertext. Used where integrity protection is
//     required (streaming, model-weight transport).
//
// Stream sessions reuse one AES key across ordered chunks; see stream.go.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/tokenplace/relay/pkg/relayerr"
)

// Mode selects the symmetric cipher for an envelope.
type Mode string

const (
	// ModeCBC is AES-256-CBC with PKCS#7 padding. The zero value of the
	// wire field maps to CBC.
	ModeCBC Mode = "cbc"

	// ModeGCM is AES-256-GCM with the tag appended to the ciphertext.
	ModeGCM Mode = "gcm"
)

const (
	// KeySize is the AES session key size in bytes.
	KeySize = 32

	// IVSize is the IV/nonce size in bytes. GCM uses the full 128-bit
	// nonce as well (NewGCMWithNonceSize) for wire parity with CBC.
	IVSize = 16
)

// Record is the wire form of one envelope, sent as JSON.
// All blob fields are base64 strings.
type Record struct {
	Ciphertext string `json:"ciphertext"`
	CipherKey  string `json:"cipherkey"`
	IV         string `json:"iv"`

	// ClientPublicKey is the sender's base64-SPKI key, present on
	// client-to-worker envelopes so the worker can encrypt the reply.
	ClientPublicKey string `json:"client_public_key,omitempty"`

	// Mode selects the symmetric cipher. Empty means CBC.
	Mode Mode `json:"mode,omitempty"`

	// Routing metadata used by higher layers. Opaque to the codec.
	Model           string `json:"model,omitempty"`
	Stream          bool   `json:"stream,omitempty"`
	ChunkIndex      *int   `json:"chunk_index,omitempty"`
	StreamSessionID string `json:"stream_session_id,omitempty"`
	Final           bool   `json:"final,omitempty"`
}

// effectiveMode resolves the record's cipher mode, defaulting to CBC.
func (r *Record) effectiveMode() Mode {
	if r.Mode == ModeGCM {
		return ModeGCM
	}
	return ModeCBC
}

// Validate checks that all required blob fields are present.
// Returns a missing-field error naming the first absent field.
func (r *Record) Validate() error {
	if r == nil {
		return relayerr.InvalidInput("envelope record must not be nil")
	}
	if r.Ciphertext == "" {
		return relayerr.MissingField("ciphertext")
	}
	if r.CipherKey == "" {
		return relayerr.MissingField("cipherkey")
	}
	if r.IV == "" {
		return relayerr.MissingField("iv")
	}
	return nil
}

// ParseRecord decodes an envelope from JSON, rejecting non-object input.
func ParseRecord(data []byte) (*Record, error) {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, relayerr.Wrap(relayerr.KindInvalidInput, "envelope is not valid JSON", err)
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, relayerr.InvalidInput("envelope must be a JSON object")
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, relayerr.Wrap(relayerr.KindInvalidInput, "envelope fields malformed", err)
	}
	return &rec, nil
}

// Encrypt seals plaintext under the peer's public key with a fresh AES
// session key and IV. Plaintext may be raw bytes (used unchanged), a
// string (UTF-8 encoded), or any JSON-serializable value (marshalled
// with encoding/json, which orders map keys deterministically).
//
// A nil plaintext is rejected with invalid-input.
func Encrypt(plaintext any, peer *rsa.PublicKey) (*Record, error) {
	return encryptMode(plaintext, peer, ModeCBC)
}

// EncryptAuthenticated is Encrypt in GCM mode. The returned record
// carries mode=gcm and the decryptor verifies the tag before returning
// any bytes.
func EncryptAuthenticated(plaintext any, peer *rsa.PublicKey) (*Record, error) {
	return encryptMode(plaintext, peer, ModeGCM)
}

func encryptMode(plaintext any, peer *rsa.PublicKey, mode Mode) (*Record, error) {
	if peer == nil {
		return nil, relayerr.InvalidInput("peer public key must not be nil")
	}

	data, err := coercePlaintext(plaintext)
	if err != nil {
		return nil, err
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "entropy source failed", err)
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "entropy source failed", err)
	}

	ciphertext, err := sealSymmetric(data, key, iv, mode, nil)
	if err != nil {
		return nil, err
	}

	wrapped, err := wrapKey(key, peer)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		CipherKey:  wrapped,
		IV:         base64.StdEncoding.EncodeToString(iv),
	}
	if mode == ModeGCM {
		rec.Mode = ModeGCM
	}
	return rec, nil
}

// Decrypt opens a one-shot envelope with the given private key.
// The result is a tagged variant: JSON if the plaintext parses as JSON,
// Text if it is valid UTF-8, Bytes otherwise.
func Decrypt(rec *Record, priv *rsa.PrivateKey) (Decrypted, error) {
	data, err := decryptRaw(rec, priv)
	if err != nil {
		return Decrypted{}, err
	}
	return classify(data), nil
}

// decryptRaw recovers the plaintext bytes of an envelope.
func decryptRaw(rec *Record, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, relayerr.InvalidInput("private key must not be nil")
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInvalidInput, "ciphertext is not valid base64", err)
	}
	iv, err := base64.StdEncoding.DecodeString(rec.IV)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInvalidInput, "iv is not valid base64", err)
	}
	if len(iv) != IVSize {
		return nil, relayerr.InvalidInput("iv must be 16 bytes")
	}

	key, err := unwrapKey(rec.CipherKey, priv)
	if err != nil {
		return nil, err
	}

	return openSymmetric(ciphertext, key, iv, rec.effectiveMode(), nil)
}

// wrapKey RSA-OAEP encrypts the base64 encoding of the AES key.
func wrapKey(key []byte, peer *rsa.PublicKey) (string, error) {
	keyB64 := []byte(base64.StdEncoding.EncodeToString(key))
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peer, keyB64, nil)
	if err != nil {
		return "", relayerr.Wrap(relayerr.KindInvalidInput, "RSA key wrap failed", err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// unwrapKey reverses wrapKey, recovering the raw AES key bytes.
func unwrapKey(cipherkey string, priv *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(cipherkey)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInvalidInput, "cipherkey is not valid base64", err)
	}

	keyB64, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInvalidInput, "cipherkey rejected", err)
	}

	key, err := base64.StdEncoding.DecodeString(string(keyB64))
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInvalidInput, "wrapped key is not valid base64", err)
	}
	if len(key) != KeySize {
		return nil, relayerr.InvalidInput("session key must be 32 bytes")
	}
	return key, nil
}

// sealSymmetric encrypts data with the session key under the given mode.
// aad is authenticated (GCM only) but not encrypted.
func sealSymmetric(data, key, iv []byte, mode Mode, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "cipher init failed", err)
	}

	switch mode {
	case ModeGCM:
		gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.KindInternal, "GCM init failed", err)
		}
		return gcm.Seal(nil, iv, data, aad), nil

	default: // CBC
		padded := pkcs7Pad(data, aes.BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		return out, nil
	}
}

// openSymmetric decrypts ciphertext with the session key under the given
// mode. GCM verifies the tag before returning any bytes; CBC applies
// strict PKCS#7 validation.
func openSymmetric(ciphertext, key, iv []byte, mode Mode, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "cipher init failed", err)
	}

	switch mode {
	case ModeGCM:
		gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.KindInternal, "GCM init failed", err)
		}
		plaintext, err := gcm.Open(nil, iv, ciphertext, aad)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.KindInvalidInput, "ciphertext rejected", err)
		}
		return plaintext, nil

	default: // CBC
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, relayerr.InvalidInput("ciphertext length is not a multiple of the block size")
		}
		padded := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
		return pkcs7Unpad(padded, aes.BlockSize)
	}
}

// coercePlaintext converts the caller's value to bytes per the wire
// contract: bytes unchanged, strings UTF-8, everything else JSON.
func coercePlaintext(plaintext any) ([]byte, error) {
	switch v := plaintext.(type) {
	case nil:
		return nil, relayerr.InvalidInput("plaintext must not be nil")
	case []byte:
		if v == nil {
			return nil, relayerr.InvalidInput("plaintext must not be nil")
		}
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return []byte(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.KindInvalidInput, fmt.Sprintf("plaintext of type %T is not JSON-serializable", v), err)
		}
		return data, nil
	}
}

// pkcs7Pad appends PKCS#7 padding. Always adds at least one byte.
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad strips PKCS#7 padding with strict validation: zero-length
// padding, padding longer than one block, and disagreeing pad bytes are
// all rejected.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, relayerr.InvalidInput("padded data length invalid")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, relayerr.InvalidInput("padding length invalid")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, relayerr.InvalidInput("padding bytes disagree")
		}
	}
	return data[:len(data)-n], nil
}

// classify maps plaintext bytes to the Decrypted tagged variant.
func classify(data []byte) Decrypted {
	if utf8.Valid(data) {
		var v any
		if json.Unmarshal(data, &v) == nil {
			return Decrypted{kind: KindJSON, value: v, raw: data}
		}
		return Decrypted{kind: KindText, raw: data}
	}
	return Decrypted{kind: KindBytes, raw: data}
}

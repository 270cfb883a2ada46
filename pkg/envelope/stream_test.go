package envelope

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenplace/relay/pkg/relayerr"
)

func TestStreamRoundTrip(t *testing.T) {
	priv := testKeyPair(t)

	enc, err := BeginStream(&priv.PublicKey)
	require.NoError(t, err)

	chunks := []string{"The ", "quick ", "brown ", "fox"}
	records := make([]*Record, 0, len(chunks))
	for i, c := range chunks {
		rec, err := enc.EncryptChunk([]byte(c), i == len(chunks)-1, nil)
		require.NoError(t, err)
		assert.Equal(t, enc.ID, rec.StreamSessionID)
		assert.True(t, rec.Stream)
		require.NotNil(t, rec.ChunkIndex)
		assert.Equal(t, i, *rec.ChunkIndex)
		records = append(records, rec)
	}
	assert.True(t, records[len(records)-1].Final)

	dec, err := OpenStream(enc.ID, enc.WrappedKey, priv)
	require.NoError(t, err)

	var got string
	for _, rec := range records {
		plain, err := dec.DecryptChunk(rec, nil)
		require.NoError(t, err)
		got += string(plain)
	}
	assert.Equal(t, "The quick brown fox", got)
	assert.True(t, dec.FinalSeen())
}

func TestStreamSharesOneWrappedKey(t *testing.T) {
	priv := testKeyPair(t)

	enc, err := BeginStream(&priv.PublicKey)
	require.NoError(t, err)

	a, err := enc.EncryptChunk([]byte("a"), false, nil)
	require.NoError(t, err)
	b, err := enc.EncryptChunk([]byte("b"), false, nil)
	require.NoError(t, err)

	assert.Equal(t, a.CipherKey, b.CipherKey)
	assert.NotEqual(t, a.IV, b.IV)
}

func TestStreamRejectsOutOfOrderChunk(t *testing.T) {
	priv := testKeyPair(t)

	enc, err := BeginStream(&priv.PublicKey)
	require.NoError(t, err)

	first, err := enc.EncryptChunk([]byte("one"), false, nil)
	require.NoError(t, err)
	second, err := enc.EncryptChunk([]byte("two"), false, nil)
	require.NoError(t, err)

	dec, err := OpenStream(enc.ID, enc.WrappedKey, priv)
	require.NoError(t, err)

	// Delivering chunk 1 before chunk 0 must fail, then chunk 0 still works.
	_, err = dec.DecryptChunk(second, nil)
	assert.True(t, relayerr.IsKind(err, relayerr.KindChunkIntegrity))

	plain, err := dec.DecryptChunk(first, nil)
	require.NoError(t, err)
	assert.Equal(t, "one", string(plain))
}

func TestStreamRejectsTamperedChunk(t *testing.T) {
	priv := testKeyPair(t)

	enc, err := BeginStream(&priv.PublicKey)
	require.NoError(t, err)

	good, err := enc.EncryptChunk([]byte("first"), false, nil)
	require.NoError(t, err)
	bad, err := enc.EncryptChunk([]byte("second"), false, nil)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(bad.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0x01
	bad.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	dec, err := OpenStream(enc.ID, enc.WrappedKey, priv)
	require.NoError(t, err)

	// Prior chunk decrypts fine; the tampered one is rejected without
	// advancing the expected index.
	plain, err := dec.DecryptChunk(good, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", string(plain))

	_, err = dec.DecryptChunk(bad, nil)
	assert.True(t, relayerr.IsKind(err, relayerr.KindChunkIntegrity))
	assert.Equal(t, 1, dec.NextIndex())
}

func TestStreamAssociatedData(t *testing.T) {
	priv := testKeyPair(t)

	enc, err := BeginStream(&priv.PublicKey)
	require.NoError(t, err)

	aad := []byte("request-7f3a")
	rec, err := enc.EncryptChunk([]byte("bound"), false, aad)
	require.NoError(t, err)

	dec, err := OpenStream(enc.ID, enc.WrappedKey, priv)
	require.NoError(t, err)

	_, err = dec.DecryptChunk(rec, []byte("wrong-binding"))
	assert.True(t, relayerr.IsKind(err, relayerr.KindChunkIntegrity))

	// A fresh decrypt session with the right binding succeeds.
	dec2, err := OpenStream(enc.ID, enc.WrappedKey, priv)
	require.NoError(t, err)
	plain, err := dec2.DecryptChunk(rec, aad)
	require.NoError(t, err)
	assert.Equal(t, "bound", string(plain))
}

func TestStreamFinalizedRejectsMoreChunks(t *testing.T) {
	priv := testKeyPair(t)

	enc, err := BeginStream(&priv.PublicKey)
	require.NoError(t, err)

	_, err = enc.EncryptChunk([]byte("done"), true, nil)
	require.NoError(t, err)
	assert.True(t, enc.FinalSeen())

	_, err = enc.EncryptChunk([]byte("late"), false, nil)
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))
}

func TestStreamMissingChunkIndex(t *testing.T) {
	priv := testKeyPair(t)

	enc, err := BeginStream(&priv.PublicKey)
	require.NoError(t, err)

	rec, err := enc.EncryptChunk([]byte("x"), false, nil)
	require.NoError(t, err)
	rec.ChunkIndex = nil

	dec, err := OpenStream(enc.ID, enc.WrappedKey, priv)
	require.NoError(t, err)

	_, err = dec.DecryptChunk(rec, nil)
	var re *relayerr.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, relayerr.KindMissingField, re.Kind)
	assert.Equal(t, "chunk_index", re.Field)
}

func TestStreamIVsUniqueWithinSession(t *testing.T) {
	priv := testKeyPair(t)

	enc, err := BeginStream(&priv.PublicKey)
	require.NoError(t, err)

	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		rec, err := enc.EncryptChunk([]byte(fmt.Sprintf("chunk %d", i)), false, nil)
		require.NoError(t, err)
		_, dup := seen[rec.IV]
		require.False(t, dup, "IV repeated at chunk %d", i)
		seen[rec.IV] = struct{}{}
	}
}

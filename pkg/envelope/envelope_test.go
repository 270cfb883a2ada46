package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenplace/relay/pkg/relayerr"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// testKeyPair returns a shared 2048-bit key so each test does not pay
// for key generation.
func testKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate test key: %v", err)
		}
	})
	return testKey
}

func TestRoundTripBytes(t *testing.T) {
	priv := testKeyPair(t)
	payload := []byte{0x00, 0x01, 0xff, 0xfe, 0x80}

	rec, err := Encrypt(payload, &priv.PublicKey)
	require.NoError(t, err)

	got, err := Decrypt(rec, priv)
	require.NoError(t, err)
	assert.Equal(t, KindBytes, got.Kind())
	assert.Equal(t, payload, got.Bytes())
}

func TestRoundTripString(t *testing.T) {
	priv := testKeyPair(t)

	rec, err := Encrypt("hello, relay", &priv.PublicKey)
	require.NoError(t, err)

	got, err := Decrypt(rec, priv)
	require.NoError(t, err)

	text, ok := got.Text()
	require.True(t, ok)
	assert.Equal(t, "hello, relay", text)
}

func TestRoundTripJSON(t *testing.T) {
	priv := testKeyPair(t)
	payload := map[string]any{
		"model": "mock",
		"messages": []any{
			map[string]any{"role": "user", "content": "ping"},
		},
	}

	rec, err := Encrypt(payload, &priv.PublicKey)
	require.NoError(t, err)

	got, err := Decrypt(rec, priv)
	require.NoError(t, err)

	v, ok := got.JSON()
	require.True(t, ok)
	assert.Equal(t, payload, v)
}

func TestRoundTripAuthenticated(t *testing.T) {
	priv := testKeyPair(t)

	rec, err := EncryptAuthenticated("integrity matters", &priv.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, ModeGCM, rec.Mode)

	got, err := Decrypt(rec, priv)
	require.NoError(t, err)

	text, ok := got.Text()
	require.True(t, ok)
	assert.Equal(t, "integrity matters", text)
}

func TestEncryptIsNondeterministic(t *testing.T) {
	priv := testKeyPair(t)

	a, err := Encrypt("same plaintext", &priv.PublicKey)
	require.NoError(t, err)
	b, err := Encrypt("same plaintext", &priv.PublicKey)
	require.NoError(t, err)

	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	assert.NotEqual(t, a.CipherKey, b.CipherKey)
	assert.NotEqual(t, a.IV, b.IV)
}

func TestIVUniqueness(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 10k-iteration IV sweep in short mode")
	}
	priv := testKeyPair(t)

	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		rec, err := Encrypt([]byte("x"), &priv.PublicKey)
		require.NoError(t, err)
		_, dup := seen[rec.IV]
		require.False(t, dup, "IV repeated at iteration %d", i)
		seen[rec.IV] = struct{}{}
	}
}

func TestEncryptRejectsNil(t *testing.T) {
	priv := testKeyPair(t)

	_, err := Encrypt(nil, &priv.PublicKey)
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))

	var nilBytes []byte
	_, err = Encrypt(nilBytes, &priv.PublicKey)
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))

	_, err = Encrypt("ok", nil)
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))
}

func TestDecryptMissingFields(t *testing.T) {
	priv := testKeyPair(t)

	rec, err := Encrypt("x", &priv.PublicKey)
	require.NoError(t, err)

	tests := []struct {
		name  string
		zap   func(*Record)
		field string
	}{
		{"ciphertext", func(r *Record) { r.Ciphertext = "" }, "ciphertext"},
		{"cipherkey", func(r *Record) { r.CipherKey = "" }, "cipherkey"},
		{"iv", func(r *Record) { r.IV = "" }, "iv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broken := *rec
			tt.zap(&broken)

			_, err := Decrypt(&broken, priv)
			require.Error(t, err)

			var re *relayerr.Error
			require.ErrorAs(t, err, &re)
			assert.Equal(t, relayerr.KindMissingField, re.Kind)
			assert.Equal(t, tt.field, re.Field)
		})
	}
}

func TestDecryptRejectsTamperedCiphertextCBC(t *testing.T) {
	priv := testKeyPair(t)

	rec, err := Encrypt("tamper me", &priv.PublicKey)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	require.NoError(t, err)
	// Flip a bit in the final block so the padding check trips.
	raw[len(raw)-1] ^= 0x01
	rec.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	_, err = Decrypt(rec, priv)
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))
}

func TestDecryptRejectsTamperedCiphertextGCM(t *testing.T) {
	priv := testKeyPair(t)

	rec, err := EncryptAuthenticated("tamper me", &priv.PublicKey)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0x01
	rec.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	_, err = Decrypt(rec, priv)
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	priv := testKeyPair(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	rec, err := Encrypt("secret", &priv.PublicKey)
	require.NoError(t, err)

	_, err = Decrypt(rec, other)
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))
}

func TestDecryptRejectsBadIVLength(t *testing.T) {
	priv := testKeyPair(t)

	rec, err := Encrypt("x", &priv.PublicKey)
	require.NoError(t, err)
	rec.IV = base64.StdEncoding.EncodeToString([]byte("short"))

	_, err = Decrypt(rec, priv)
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))
}

func TestPKCS7UnpadStrict(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
		want []byte
	}{
		{
			name: "valid single byte",
			data: append(bytes15(), 0x01),
			ok:   true,
			want: bytes15(),
		},
		{
			name: "full block of padding",
			data: pad16(0x10),
			ok:   true,
			want: []byte{},
		},
		{
			name: "zero pad byte rejected",
			data: append(bytes15(), 0x00),
			ok:   false,
		},
		{
			name: "pad byte exceeds block size",
			data: append(bytes15(), 0x11),
			ok:   false,
		},
		{
			name: "disagreeing pad bytes",
			data: append(append(bytes15()[:14], 0x03), 0x02),
			ok:   false,
		},
		{
			name: "empty input",
			data: nil,
			ok:   false,
		},
		{
			name: "not block aligned",
			data: []byte{0x01, 0x01},
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pkcs7Unpad(tt.data, 16)
			if !tt.ok {
				assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRecord(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"ciphertext":"YQ==","cipherkey":"Yg==","iv":"Yw==","model":"mock"}`))
	require.NoError(t, err)
	assert.Equal(t, "mock", rec.Model)

	_, err = ParseRecord([]byte(`[1,2,3]`))
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))

	_, err = ParseRecord([]byte(`"just a string"`))
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))

	_, err = ParseRecord([]byte(`{broken`))
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))
}

func TestRecordWireShape(t *testing.T) {
	priv := testKeyPair(t)

	rec, err := Encrypt("x", &priv.PublicKey)
	require.NoError(t, err)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Contains(t, wire, "ciphertext")
	assert.Contains(t, wire, "cipherkey")
	assert.Contains(t, wire, "iv")
	// Optional fields stay off the wire when unset.
	assert.NotContains(t, wire, "mode")
	assert.NotContains(t, wire, "chunk_index")
}

func bytes15() []byte {
	out := make([]byte, 15)
	for i := range out {
		out[i] = 0xaa
	}
	return out
}

func pad16(b byte) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = b
	}
	return out
}

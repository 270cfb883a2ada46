// Package keymgr owns the relay's RSA keypair and validates peer public
// keys. The private key never leaves this package: callers decrypt
// through Decrypter, which consults the active key and a grace ring of
// recently rotated keys so in-flight requests survive a rotation.
package keymgr

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenplace/relay/pkg/relayerr"
)

const (
	// MinModulusBits is the smallest peer key modulus accepted.
	MinModulusBits = 2048

	// acceptedExponent is the only public exponent accepted for peers.
	acceptedExponent = 65537

	// DefaultGraceWindow keeps a rotated-out private key decrypt-only
	// long enough for in-flight requests to finish.
	DefaultGraceWindow = 5 * time.Minute

	// fingerprintLen is the hex length of a key fingerprint.
	fingerprintLen = 16
)

// keypair bundles a private key with its precomputed public wire form.
type keypair struct {
	priv      *rsa.PrivateKey
	publicB64 string
	keyID     string
}

// graceEntry is a rotated-out key held for decryption until expiry.
type graceEntry struct {
	pair    *keypair
	expires time.Time
}

// Manager generates, serves and rotates the relay keypair.
type Manager struct {
	active atomic.Pointer[keypair]

	mu    sync.Mutex
	grace []graceEntry

	graceWindow time.Duration
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithGraceWindow overrides the rotation grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(m *Manager) {
		m.graceWindow = d
	}
}

// withClock is used by tests to control grace expiry.
func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New generates the initial 2048-bit keypair. Key generation may block
// on the RNG but performs no network IO.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		graceWindow: DefaultGraceWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	pair, err := generate()
	if err != nil {
		return nil, err
	}
	m.active.Store(pair)
	return m, nil
}

func generate() (*keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, MinModulusBits)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "keypair generation failed", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "public key encoding failed", err)
	}
	b64 := base64.StdEncoding.EncodeToString(der)

	return &keypair{
		priv:      priv,
		publicB64: b64,
		keyID:     fingerprintDER(der),
	}, nil
}

// OwnPublicKey returns the active public key as base64 SPKI DER.
func (m *Manager) OwnPublicKey() string {
	return m.active.Load().publicB64
}

// KeyID returns the fingerprint of the active key, for logs and the
// status surface. Never log the key material itself.
func (m *Manager) KeyID() string {
	return m.active.Load().keyID
}

// Decrypter returns a function that tries the active private key first
// and then each unexpired grace key. The closure captures a snapshot so
// a concurrent rotation cannot race a decryption in progress.
func (m *Manager) Decrypter() func(func(*rsa.PrivateKey) error) error {
	active := m.active.Load()
	grace := m.unexpiredGrace()

	return func(attempt func(*rsa.PrivateKey) error) error {
		err := attempt(active.priv)
		if err == nil {
			return nil
		}
		for _, g := range grace {
			if gerr := attempt(g.pair.priv); gerr == nil {
				return nil
			}
		}
		return err
	}
}

// ActivePrivateKey hands the current private key to callers inside this
// module that need direct decryption (the worker runtime). The relay's
// HTTP layer never calls this.
func (m *Manager) ActivePrivateKey() *rsa.PrivateKey {
	return m.active.Load().priv
}

// GraceKeyCount reports how many rotated-out keys are still usable.
func (m *Manager) GraceKeyCount() int {
	return len(m.unexpiredGrace())
}

// Rotate generates a fresh keypair and installs it atomically. The
// outgoing key joins the grace ring, decrypt-only, until the grace
// window lapses.
func (m *Manager) Rotate() error {
	next, err := generate()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.active.Swap(next)
	m.grace = append(m.grace, graceEntry{
		pair:    prev,
		expires: m.now().Add(m.graceWindow),
	})
	m.pruneGraceLocked()
	return nil
}

func (m *Manager) unexpiredGrace() []graceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneGraceLocked()
	out := make([]graceEntry, len(m.grace))
	copy(out, m.grace)
	return out
}

func (m *Manager) pruneGraceLocked() {
	now := m.now()
	kept := m.grace[:0]
	for _, g := range m.grace {
		if now.Before(g.expires) {
			kept = append(kept, g)
		}
	}
	m.grace = kept
}

// AcceptPeerPublicKey normalizes and validates a peer's public key and
// returns its parsed form plus a stable fingerprint. Whitespace is
// tolerated; non-SPKI DER, small moduli and unusual exponents are not.
func AcceptPeerPublicKey(raw string) (*rsa.PublicKey, string, error) {
	cleaned := stripWhitespace(raw)
	if cleaned == "" {
		return nil, "", relayerr.MissingField("public_key")
	}

	der, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, "", relayerr.Wrap(relayerr.KindInvalidInput, "public key is not valid base64", err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, "", relayerr.Wrap(relayerr.KindInvalidInput, "public key is not SPKI DER", err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, "", relayerr.InvalidInput("public key must be RSA")
	}
	if pub.N.BitLen() < MinModulusBits {
		return nil, "", relayerr.InvalidInput("public key modulus below 2048 bits")
	}
	if pub.E != acceptedExponent {
		return nil, "", relayerr.InvalidInput("public key exponent must be 65537")
	}

	return pub, fingerprintDER(der), nil
}

// Fingerprint returns the fingerprint of an already-accepted key in its
// wire form, without revalidating.
func Fingerprint(raw string) string {
	der, err := base64.StdEncoding.DecodeString(stripWhitespace(raw))
	if err != nil {
		return ""
	}
	return fingerprintDER(der)
}

func fingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

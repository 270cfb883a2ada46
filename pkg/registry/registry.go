// Package registry tracks inference workers that have announced a public
// key to the relay. It provides thread-safe announce/lookup, round-robin
// selection with an in-flight cap, and TTL-based reaping of silent
// workers.
package registry

import (
	"sync"
	"time"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/pkg/keymgr"
	"github.com/tokenplace/relay/pkg/relayerr"
)

const (
	// DefaultWorkerTTL drops workers that have not announced or polled
	// within the window.
	DefaultWorkerTTL = 90 * time.Second

	// DefaultMaxInFlight caps the requests a single worker may hold.
	DefaultMaxInFlight = 4
)

// Worker is one announced inference worker.
type Worker struct {
	ID          string
	PublicKey   string // base64 SPKI, normalized
	Fingerprint string
	LastSeen    time.Time
	InFlight    int
	Draining    bool
}

// Snapshot is a read-only copy of a worker record for the status and
// admin surfaces.
type Snapshot struct {
	ID          string    `json:"worker_id"`
	Fingerprint string    `json:"fingerprint"`
	LastSeen    time.Time `json:"last_seen"`
	InFlight    int       `json:"in_flight"`
	Draining    bool      `json:"draining,omitempty"`
}

// Registry manages the set of announced workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	order   []string // announce order, drives round-robin
	cursor  int

	ttl         time.Duration
	maxInFlight int
	authToken   string
	now         func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithWorkerTTL overrides the reaping TTL.
func WithWorkerTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithMaxInFlight overrides the per-worker in-flight cap.
func WithMaxInFlight(n int) Option {
	return func(r *Registry) { r.maxInFlight = n }
}

// WithAuthToken requires announcing workers to present the shared token.
func WithAuthToken(token string) Option {
	return func(r *Registry) { r.authToken = token }
}

// WithClock is used by tests to control time.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workers:     make(map[string]*Worker),
		ttl:         DefaultWorkerTTL,
		maxInFlight: DefaultMaxInFlight,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Announce upserts a worker record and refreshes last_seen. The public
// key is validated and normalized; when a shared registration token is
// configured, a non-matching token is rejected.
func (r *Registry) Announce(workerID, publicKey, authToken string) (*Snapshot, error) {
	if workerID == "" {
		return nil, relayerr.MissingField("worker_id")
	}
	if r.authToken != "" && authToken != r.authToken {
		return nil, relayerr.Unauthorized()
	}

	_, fp, err := keymgr.AcceptPeerPublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[workerID]
	if !exists {
		w = &Worker{ID: workerID}
		r.workers[workerID] = w
		r.order = append(r.order, workerID)
	}
	w.PublicKey = publicKey
	w.Fingerprint = fp
	w.LastSeen = r.now()
	w.Draining = false

	logger.Debug("worker announced",
		logger.KeyWorkerID, workerID,
		logger.KeyFingerprint, fp)

	snap := snapshotOf(w)
	return &snap, nil
}

// Touch refreshes a worker's last_seen, typically on poll.
func (r *Registry) Touch(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.LastSeen = r.now()
	}
}

// PickNext selects the next eligible worker round-robin: the scan
// starts at the rotation cursor and the first eligible worker wins, so
// no single worker starves. Workers at their in-flight cap, draining,
// or past TTL are skipped. Returns no-workers when nothing is
// eligible. The selection does NOT bump in_flight; that happens when
// the worker actually takes the request off its queue.
func (r *Registry) PickNext() (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickLocked(true)
}

// PeekNext returns the worker PickNext would select without advancing
// the rotation cursor. Used by the legacy next-server endpoint.
func (r *Registry) PeekNext() (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickLocked(false)
}

func (r *Registry) pickLocked(advance bool) (*Worker, error) {
	n := len(r.order)
	if n == 0 {
		return nil, relayerr.New(relayerr.KindNoWorkers, "no workers registered")
	}

	cutoff := r.now().Add(-r.ttl)

	var best *Worker
	bestPos := -1
	for i := 0; i < n; i++ {
		pos := (r.cursor + i) % n
		w, ok := r.workers[r.order[pos]]
		if !ok {
			continue
		}
		if w.Draining || w.InFlight >= r.maxInFlight || w.LastSeen.Before(cutoff) {
			continue
		}
		// Rotation order decides; the first eligible worker from the
		// cursor wins regardless of how long it has been idle.
		best = w
		bestPos = pos
		break
	}
	if best == nil {
		return nil, relayerr.New(relayerr.KindNoWorkers, "no eligible workers")
	}

	if advance {
		r.cursor = (bestPos + 1) % n
	}
	cp := *best
	return &cp, nil
}

// IncInFlight records that a worker took a request.
func (r *Registry) IncInFlight(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.InFlight++
	}
}

// DecInFlight records that a worker finished a request.
func (r *Registry) DecInFlight(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok && w.InFlight > 0 {
		w.InFlight--
	}
}

// Get returns a copy of a worker record.
func (r *Registry) Get(workerID string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

// SetDraining marks a worker so PickNext skips it. In-flight requests
// finish normally.
func (r *Registry) SetDraining(workerID string, draining bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	w.Draining = draining
	return true
}

// Unregister removes a worker immediately and returns whether it existed.
func (r *Registry) Unregister(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[workerID]; !ok {
		return false
	}
	r.removeLocked(workerID)
	return true
}

// Reap drops workers whose last_seen is older than the TTL and returns
// the IDs removed so dispatch can fail their in-flight tickets.
func (r *Registry) Reap() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	var reaped []string
	for id, w := range r.workers {
		if w.LastSeen.Before(cutoff) {
			reaped = append(reaped, id)
		}
	}
	for _, id := range reaped {
		r.removeLocked(id)
		logger.Info("worker reaped", logger.KeyWorkerID, id)
	}
	return reaped
}

// List returns snapshots of all workers in announce order.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		if w, ok := r.workers[id]; ok {
			out = append(out, snapshotOf(w))
		}
	}
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

func (r *Registry) removeLocked(workerID string) {
	delete(r.workers, workerID)
	for i, id := range r.order {
		if id == workerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			if r.cursor > i {
				r.cursor--
			}
			if len(r.order) > 0 {
				r.cursor %= len(r.order)
			} else {
				r.cursor = 0
			}
			break
		}
	}
}

func snapshotOf(w *Worker) Snapshot {
	return Snapshot{
		ID:          w.ID,
		Fingerprint: w.Fingerprint,
		LastSeen:    w.LastSeen,
		InFlight:    w.InFlight,
		Draining:    w.Draining,
	}
}

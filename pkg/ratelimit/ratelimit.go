// Package ratelimit provides an in-memory sliding-window limiter keyed
// by client key fingerprint. Submit and stream-retrieve are budgeted
// separately so a chatty stream reader cannot starve fresh submissions.
package ratelimit

import (
	"sync"
	"time"

	"github.com/tokenplace/relay/pkg/relayerr"
)

// Bucket names the operation class being limited.
type Bucket string

const (
	// BucketSubmit covers client submissions (faucet and chat).
	BucketSubmit Bucket = "submit"

	// BucketStreamRetrieve covers stream chunk polling.
	BucketStreamRetrieve Bucket = "stream-retrieve"
)

const (
	// DefaultSubmitPerMinute is the per-fingerprint submit budget.
	DefaultSubmitPerMinute = 60

	// DefaultStreamRetrievePerMinute is the per-fingerprint stream
	// polling budget. Higher than submit: a single stream polls often.
	DefaultStreamRetrievePerMinute = 600

	// window is the sliding window width.
	window = time.Minute
)

// Limiter tracks request timestamps per (fingerprint, bucket) pair.
type Limiter struct {
	mu     sync.Mutex
	events map[key][]time.Time

	limits map[Bucket]int
	now    func() time.Time
}

type key struct {
	fingerprint string
	bucket      Bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimit overrides a bucket's per-minute budget. Zero disables the
// bucket entirely (every request is rejected); negative disables
// limiting for the bucket.
func WithLimit(bucket Bucket, perMinute int) Option {
	return func(l *Limiter) { l.limits[bucket] = perMinute }
}

// WithClock is used by tests to control time.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter with default budgets.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		events: make(map[key][]time.Time),
		limits: map[Bucket]int{
			BucketSubmit:         DefaultSubmitPerMinute,
			BucketStreamRetrieve: DefaultStreamRetrievePerMinute,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one event for the fingerprint and reports whether it
// fits the bucket's window. On breach it returns a rate-limited error
// carrying a retry_after hint derived from the oldest in-window event.
func (l *Limiter) Allow(fingerprint string, bucket Bucket) error {
	limit, ok := l.limits[bucket]
	if !ok || limit < 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key{fingerprint: fingerprint, bucket: bucket}
	events := pruneBefore(l.events[k], now.Add(-window))

	if len(events) >= limit {
		l.events[k] = events
		retry := window - now.Sub(events[0])
		if retry < time.Second {
			retry = time.Second
		}
		return &relayerr.Error{
			Kind:       relayerr.KindRateLimited,
			Message:    "request budget exhausted",
			RetryAfter: retry,
		}
	}

	l.events[k] = append(events, now)
	return nil
}

// Sweep drops fingerprints with no in-window events, bounding memory.
// Called periodically from the dispatcher's sweeper goroutine.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	for k, events := range l.events {
		pruned := pruneBefore(events, cutoff)
		if len(pruned) == 0 {
			delete(l.events, k)
		} else {
			l.events[k] = pruned
		}
	}
}

func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}

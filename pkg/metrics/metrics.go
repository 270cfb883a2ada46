// Package metrics defines the observability interfaces for the relay and
// the process-wide Prometheus registry bootstrap. Implementations live in
// pkg/metrics/prometheus; the constructor indirection below keeps this
// package free of a prometheus import while letting callers stay on the
// interface.
//
// All interfaces are optional: pass nil to disable collection with zero
// overhead. Use the Observe* helpers, which nil-check for you.
package metrics

import (
	"sync"
	"time"
)

var (
	mu      sync.RWMutex
	enabled bool

	// registry is opaque here (set by the prometheus subpackage) so this
	// package does not import client_golang.
	registry any
)

// InitRegistry enables metrics collection. Must be called before any
// New*Metrics constructor for them to return a live implementation.
func InitRegistry(reg any) {
	mu.Lock()
	defer mu.Unlock()
	enabled = true
	registry = reg
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// GetRegistry returns the registry handed to InitRegistry, or nil.
func GetRegistry() any {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// RelayMetrics provides observability for the relay's dispatch plane and
// HTTP surface. Label values are bounded enumerations (outcomes, endpoint
// patterns), never request IDs or fingerprints.
type RelayMetrics interface {
	// RecordRequest records a completed HTTP request against the routed
	// pattern (not the raw URL).
	RecordRequest(endpoint, method string, status int, duration time.Duration)

	// RecordSubmit records a client submit with its outcome:
	// "ok", "no-workers-available", "queue-full", "rate-limited", "invalid".
	RecordSubmit(outcome string)

	// RecordRetrieve records a client retrieve with its outcome:
	// "ready", "pending", "expired", "worker-gone", "bad-upstream".
	RecordRetrieve(outcome string)

	// RecordWorkerPoll records a worker long-poll: "delivered" or "empty".
	RecordWorkerPoll(outcome string)

	// RecordWorkerPublish records a worker publish:
	// "ok", "unbound-request", "bad-upstream", "chunk".
	RecordWorkerPublish(outcome string)

	// SetRegisteredWorkers updates the current worker count.
	SetRegisteredWorkers(count int)

	// SetQueueDepth updates a worker's inbound queue depth.
	SetQueueDepth(workerID string, depth int)

	// RecordEnvelopeBytes records envelope sizes by direction
	// ("inbound" or "outbound"). Sizes only, never contents.
	RecordEnvelopeBytes(direction string, bytes int)

	// RecordStreamChunk records a stream chunk event:
	// "buffered", "delivered", "gap-timeout".
	RecordStreamChunk(outcome string)

	// RecordTicketExpired increments the expired-ticket counter.
	RecordTicketExpired()

	// RecordKeyRotation increments the key-rotation counter.
	RecordKeyRotation()
}

// newPrometheusRelayMetrics is installed by pkg/metrics/prometheus during
// package initialization. The indirection avoids an import cycle.
var newPrometheusRelayMetrics func() RelayMetrics

// RegisterRelayMetricsConstructor installs the Prometheus constructor.
func RegisterRelayMetricsConstructor(constructor func() RelayMetrics) {
	newPrometheusRelayMetrics = constructor
}

// NewRelayMetrics returns a Prometheus-backed RelayMetrics, or nil when
// metrics are disabled or the prometheus subpackage is not linked in.
func NewRelayMetrics() RelayMetrics {
	if !IsEnabled() || newPrometheusRelayMetrics == nil {
		return nil
	}
	return newPrometheusRelayMetrics()
}

// ObserveRequest records an HTTP request if m is non-nil.
func ObserveRequest(m RelayMetrics, endpoint, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RecordRequest(endpoint, method, status, duration)
}

// ObserveSubmit records a submit outcome if m is non-nil.
func ObserveSubmit(m RelayMetrics, outcome string) {
	if m == nil {
		return
	}
	m.RecordSubmit(outcome)
}

// ObserveRetrieve records a retrieve outcome if m is non-nil.
func ObserveRetrieve(m RelayMetrics, outcome string) {
	if m == nil {
		return
	}
	m.RecordRetrieve(outcome)
}

// ObserveWorkerPoll records a poll outcome if m is non-nil.
func ObserveWorkerPoll(m RelayMetrics, outcome string) {
	if m == nil {
		return
	}
	m.RecordWorkerPoll(outcome)
}

// ObserveWorkerPublish records a publish outcome if m is non-nil.
func ObserveWorkerPublish(m RelayMetrics, outcome string) {
	if m == nil {
		return
	}
	m.RecordWorkerPublish(outcome)
}

// ObserveQueueDepth records a queue depth if m is non-nil.
func ObserveQueueDepth(m RelayMetrics, workerID string, depth int) {
	if m == nil {
		return
	}
	m.SetQueueDepth(workerID, depth)
}

// ObserveStreamChunk records a chunk outcome if m is non-nil.
func ObserveStreamChunk(m RelayMetrics, outcome string) {
	if m == nil {
		return
	}
	m.RecordStreamChunk(outcome)
}

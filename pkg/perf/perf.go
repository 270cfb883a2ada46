// Package perf collects timing samples for crypto and dispatch
// operations in a bounded ring. Disabled by default; the monitor stores
// counts and durations only, never payloads. Intended for local
// profiling, not as a metrics replacement.
package perf

import (
	"sort"
	"sync"
	"time"
)

// DefaultRingSize bounds samples kept per operation.
const DefaultRingSize = 1024

// Monitor accumulates per-operation timing rings.
type Monitor struct {
	mu       sync.Mutex
	rings    map[string]*ring
	ringSize int
	enabled  bool
}

type ring struct {
	samples []time.Duration
	next    int
	filled  bool
	count   uint64
}

// New creates a Monitor. A disabled monitor records nothing and costs a
// single atomic-free branch per call.
func New(enabled bool) *Monitor {
	return &Monitor{
		rings:    make(map[string]*ring),
		ringSize: DefaultRingSize,
		enabled:  enabled,
	}
}

// Enabled reports whether the monitor records samples.
func (m *Monitor) Enabled() bool {
	if m == nil {
		return false
	}
	return m.enabled
}

// Record adds one timing sample for the named operation.
func (m *Monitor) Record(op string, d time.Duration) {
	if m == nil || !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rings[op]
	if !ok {
		r = &ring{samples: make([]time.Duration, m.ringSize)}
		m.rings[op] = r
	}
	r.samples[r.next] = d
	r.next = (r.next + 1) % m.ringSize
	if r.next == 0 {
		r.filled = true
	}
	r.count++
}

// Time records the duration since start for the named operation.
// Use with defer:
//
//	defer mon.Time("envelope.decrypt", time.Now())
func (m *Monitor) Time(op string, start time.Time) {
	m.Record(op, time.Since(start))
}

// Stats summarizes one operation's ring.
type Stats struct {
	Op    string        `json:"op"`
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
	Mean  time.Duration `json:"mean_ns"`
	P50   time.Duration `json:"p50_ns"`
	P95   time.Duration `json:"p95_ns"`
	P99   time.Duration `json:"p99_ns"`
}

// Snapshot returns stats for every operation, sorted by name.
func (m *Monitor) Snapshot() []Stats {
	if m == nil || !m.enabled {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stats, 0, len(m.rings))
	for op, r := range m.rings {
		live := r.samples[:r.next]
		if r.filled {
			live = r.samples
		}
		if len(live) == 0 {
			continue
		}

		sorted := make([]time.Duration, len(live))
		copy(sorted, live)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}

		out = append(out, Stats{
			Op:    op,
			Count: r.count,
			Min:   sorted[0],
			Max:   sorted[len(sorted)-1],
			Mean:  sum / time.Duration(len(sorted)),
			P50:   percentile(sorted, 50),
			P95:   percentile(sorted, 95),
			P99:   percentile(sorted, 99),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Op < out[j].Op })
	return out
}

// Reset clears all rings.
func (m *Monitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rings = make(map[string]*ring)
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

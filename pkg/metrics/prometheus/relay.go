// Package prometheus provides the Prometheus implementation of the
// metrics interfaces. Importing it registers the constructors with
// pkg/metrics; callers keep using the interfaces.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tokenplace/relay/pkg/metrics"
)

func init() {
	metrics.RegisterRelayMetricsConstructor(NewRelayMetrics)
}

// relayMetrics is the Prometheus implementation of metrics.RelayMetrics.
type relayMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	submits         *prometheus.CounterVec
	retrieves       *prometheus.CounterVec
	workerPolls     *prometheus.CounterVec
	workerPublishes *prometheus.CounterVec
	workers         prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
	envelopeBytes   *prometheus.HistogramVec
	streamChunks    *prometheus.CounterVec
	ticketsExpired  prometheus.Counter
	keyRotations    prometheus.Counter
}

// NewRelayMetrics creates a Prometheus-backed RelayMetrics instance.
// Returns nil if metrics are not enabled.
func NewRelayMetrics() metrics.RelayMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg, ok := metrics.GetRegistry().(prometheus.Registerer)
	if !ok {
		return nil
	}

	return &relayMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total HTTP requests by routed endpoint, method and status",
			},
			[]string{"endpoint", "method", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_milliseconds",
				Help:    "HTTP request duration in milliseconds",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
			},
			[]string{"endpoint", "method"},
		),
		submits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_submits_total",
				Help: "Client submits by outcome",
			},
			[]string{"outcome"},
		),
		retrieves: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_retrieves_total",
				Help: "Client retrieves by outcome",
			},
			[]string{"outcome"},
		),
		workerPolls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_worker_polls_total",
				Help: "Worker long-polls by outcome",
			},
			[]string{"outcome"},
		),
		workerPublishes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_worker_publishes_total",
				Help: "Worker publishes by outcome",
			},
			[]string{"outcome"},
		),
		workers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_registered_workers",
				Help: "Currently registered workers",
			},
		),
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_worker_queue_depth",
				Help: "Inbound queue depth per worker",
			},
			[]string{"worker_id"},
		),
		envelopeBytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "relay_envelope_bytes",
				Help: "Envelope sizes in bytes by direction",
				Buckets: []float64{
					256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304,
				},
			},
			[]string{"direction"},
		),
		streamChunks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_stream_chunks_total",
				Help: "Stream chunk events by outcome",
			},
			[]string{"outcome"},
		),
		ticketsExpired: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "relay_tickets_expired_total",
				Help: "Request tickets dropped by the TTL sweeper",
			},
		),
		keyRotations: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "relay_key_rotations_total",
				Help: "Relay keypair rotations",
			},
		),
	}
}

func (m *relayMetrics) RecordRequest(endpoint, method string, status int, duration time.Duration) {
	m.requests.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(endpoint, method).Observe(float64(duration.Milliseconds()))
}

func (m *relayMetrics) RecordSubmit(outcome string) {
	m.submits.WithLabelValues(outcome).Inc()
}

func (m *relayMetrics) RecordRetrieve(outcome string) {
	m.retrieves.WithLabelValues(outcome).Inc()
}

func (m *relayMetrics) RecordWorkerPoll(outcome string) {
	m.workerPolls.WithLabelValues(outcome).Inc()
}

func (m *relayMetrics) RecordWorkerPublish(outcome string) {
	m.workerPublishes.WithLabelValues(outcome).Inc()
}

func (m *relayMetrics) SetRegisteredWorkers(count int) {
	m.workers.Set(float64(count))
}

func (m *relayMetrics) SetQueueDepth(workerID string, depth int) {
	m.queueDepth.WithLabelValues(workerID).Set(float64(depth))
}

func (m *relayMetrics) RecordEnvelopeBytes(direction string, bytes int) {
	m.envelopeBytes.WithLabelValues(direction).Observe(float64(bytes))
}

func (m *relayMetrics) RecordStreamChunk(outcome string) {
	m.streamChunks.WithLabelValues(outcome).Inc()
}

func (m *relayMetrics) RecordTicketExpired() {
	m.ticketsExpired.Inc()
}

func (m *relayMetrics) RecordKeyRotation() {
	m.keyRotations.Inc()
}

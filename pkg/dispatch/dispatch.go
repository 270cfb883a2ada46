// Package dispatch pairs client submissions with worker long-polls and
// routes replies back to the originating client. All state is in-memory:
// per-worker bounded inbound channels plus a ticket table keyed by
// request ID. Nothing in this package ever decrypts an envelope.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/pkg/envelope"
	"github.com/tokenplace/relay/pkg/metrics"
	"github.com/tokenplace/relay/pkg/registry"
	"github.com/tokenplace/relay/pkg/relayerr"
)

const (
	// DefaultRequestTTL drops tickets the client never retrieves.
	DefaultRequestTTL = 60 * time.Second

	// DefaultPollTimeout bounds a worker long-poll.
	DefaultPollTimeout = 30 * time.Second

	// DefaultQueueCapacity bounds each worker's inbound channel.
	DefaultQueueCapacity = 32

	// DefaultStreamGapTimeout fails a stream stuck on a missing chunk.
	DefaultStreamGapTimeout = 10 * time.Second

	// DefaultSweepInterval is how often the sweeper reaps tickets,
	// workers and stream gaps.
	DefaultSweepInterval = 5 * time.Second
)

// Item is one request waiting on a worker's inbound channel.
type Item struct {
	RequestID string
	Envelope  *envelope.Record
}

type ticketState int

const (
	statePending   ticketState = iota // queued, not yet taken by the worker
	stateDelivered                    // worker holds it
	stateReady                        // reply stored, waiting for retrieve
	stateFailed                       // terminal error stored
)

// ticket tracks one request from submit to retrieve.
type ticket struct {
	requestID string
	clientFP  string
	workerID  string
	createdAt time.Time

	state   ticketState
	reply   *envelope.Record
	failure *relayerr.Error
	stream  *streamState
}

// Dispatcher owns the queues and the ticket table.
type Dispatcher struct {
	reg *registry.Registry

	mu      sync.Mutex
	queues  map[string]chan *Item
	tickets map[string]*ticket

	requestTTL  time.Duration
	pollTimeout time.Duration
	queueCap    int
	gapTimeout  time.Duration

	metrics metrics.RelayMetrics
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRequestTTL overrides the ticket TTL.
func WithRequestTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) { d.requestTTL = ttl }
}

// WithPollTimeout overrides the default worker long-poll bound.
func WithPollTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.pollTimeout = t }
}

// WithQueueCapacity overrides the per-worker inbound channel capacity.
func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) { d.queueCap = n }
}

// WithStreamGapTimeout overrides the stream gap timeout.
func WithStreamGapTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.gapTimeout = t }
}

// WithMetrics attaches a metrics recorder. Nil disables collection.
func WithMetrics(m metrics.RelayMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock is used by tests to control time.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher bound to a worker registry.
func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:         reg,
		queues:      make(map[string]chan *Item),
		tickets:     make(map[string]*ticket),
		requestTTL:  DefaultRequestTTL,
		pollTimeout: DefaultPollTimeout,
		queueCap:    DefaultQueueCapacity,
		gapTimeout:  DefaultStreamGapTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit picks a worker, allocates a request ticket bound to the
// client's key fingerprint, and pushes the envelope onto the worker's
// inbound channel. Fails fast with queue-full instead of blocking.
func (d *Dispatcher) Submit(clientFP string, rec *envelope.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}

	worker, err := d.reg.PickNext()
	if err != nil {
		return "", err
	}
	return d.enqueue(worker.ID, clientFP, rec)
}

// SubmitToWorker queues an envelope for a specific worker, used when the
// payload was encrypted against that worker's key after an explicit
// pick. The worker must still be registered.
func (d *Dispatcher) SubmitToWorker(workerID, clientFP string, rec *envelope.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if _, ok := d.reg.Get(workerID); !ok {
		return "", relayerr.New(relayerr.KindNoWorkers, "worker is no longer registered")
	}
	return d.enqueue(workerID, clientFP, rec)
}

func (d *Dispatcher) enqueue(workerID, clientFP string, rec *envelope.Record) (string, error) {
	requestID := uuid.NewString()
	item := &Item{RequestID: requestID, Envelope: rec}

	d.mu.Lock()
	q := d.queueLocked(workerID)
	select {
	case q <- item:
	default:
		d.mu.Unlock()
		return "", &relayerr.Error{
			Kind:       relayerr.KindQueueFull,
			Message:    "worker queue at capacity",
			RetryAfter: time.Second,
		}
	}
	d.tickets[requestID] = &ticket{
		requestID: requestID,
		clientFP:  clientFP,
		workerID:  workerID,
		createdAt: d.now(),
	}
	depth := len(q)
	d.mu.Unlock()

	metrics.ObserveQueueDepth(d.metrics, workerID, depth)
	logger.Debug("request queued",
		logger.KeyRequestID, requestID,
		logger.KeyWorkerID, workerID,
		logger.KeyQueueDepth, depth)
	return requestID, nil
}

// WorkerPoll long-polls the worker's inbound channel up to timeout
// (zero means the default). Returns (nil, nil) when nothing arrived so
// the worker can re-poll. Taking an item bumps the worker's in-flight
// count and marks the ticket delivered.
func (d *Dispatcher) WorkerPoll(ctx context.Context, workerID string, timeout time.Duration) (*Item, error) {
	if workerID == "" {
		return nil, relayerr.MissingField("worker_id")
	}
	if timeout <= 0 || timeout > d.pollTimeout {
		timeout = d.pollTimeout
	}

	d.reg.Touch(workerID)

	d.mu.Lock()
	q := d.queueLocked(workerID)
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case item := <-q:
			if d.claimItem(workerID, item) {
				metrics.ObserveWorkerPoll(d.metrics, "delivered")
				return item, nil
			}
			// Ticket expired while queued; keep waiting.
		case <-timer.C:
			metrics.ObserveWorkerPoll(d.metrics, "empty")
			return nil, nil
		case <-ctx.Done():
			return nil, relayerr.Wrap(relayerr.KindInternal, "poll cancelled", ctx.Err())
		}
	}
}

// claimItem marks the ticket delivered if it still exists.
func (d *Dispatcher) claimItem(workerID string, item *Item) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tickets[item.RequestID]
	if !ok || t.state != statePending {
		return false
	}
	t.state = stateDelivered
	d.reg.IncInFlight(workerID)
	return true
}

// WorkerPublish stores a worker's reply against its ticket. The worker
// must own the request; a structurally invalid reply fails the ticket
// with bad-upstream. The in-flight count is decremented when the request
// completes (reply stored, final stream chunk, or failure).
func (d *Dispatcher) WorkerPublish(workerID, requestID string, reply *envelope.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tickets[requestID]
	if !ok {
		// Ticket reaped before the worker finished. Release the slot.
		d.reg.DecInFlight(workerID)
		return relayerr.New(relayerr.KindTicketExpired, "request ticket no longer exists")
	}
	if t.workerID != workerID {
		return relayerr.New(relayerr.KindUnboundRequest, "worker does not own this request")
	}

	if err := reply.Validate(); err != nil {
		t.state = stateFailed
		t.failure = relayerr.Wrap(relayerr.KindBadUpstream, "worker reply failed structural checks", err)
		d.reg.DecInFlight(workerID)
		metrics.ObserveWorkerPublish(d.metrics, "bad-upstream")
		return t.failure
	}

	if reply.Stream && reply.ChunkIndex != nil {
		d.appendChunkLocked(t, reply)
		if reply.Final {
			d.reg.DecInFlight(workerID)
		}
		metrics.ObserveWorkerPublish(d.metrics, "chunk")
		return nil
	}

	t.reply = reply
	t.state = stateReady
	d.reg.DecInFlight(workerID)
	metrics.ObserveWorkerPublish(d.metrics, "ok")
	return nil
}

// RetrieveResult is the outcome of a client retrieve.
type RetrieveResult struct {
	// Reply is non-nil when the worker's response is ready.
	Reply *envelope.Record

	// Pending is true while the request is still in flight.
	Pending bool
}

// ClientRetrieve returns the reply for a request. The caller's key
// fingerprint must match the one bound at submit time. A ready reply
// deletes the ticket; terminal failures are returned once and the
// ticket is dropped.
func (d *Dispatcher) ClientRetrieve(requestID, clientFP string) (*RetrieveResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tickets[requestID]
	if !ok {
		metrics.ObserveRetrieve(d.metrics, "expired")
		return nil, relayerr.New(relayerr.KindTicketExpired, "unknown or expired request")
	}
	if t.clientFP != clientFP {
		return nil, relayerr.Unauthorized()
	}
	if d.expiredLocked(t) {
		delete(d.tickets, requestID)
		metrics.ObserveRetrieve(d.metrics, "expired")
		return nil, relayerr.New(relayerr.KindTicketExpired, "request ticket expired")
	}

	switch t.state {
	case stateFailed:
		delete(d.tickets, requestID)
		metrics.ObserveRetrieve(d.metrics, t.failure.Kind.String())
		return nil, t.failure
	case stateReady:
		delete(d.tickets, requestID)
		metrics.ObserveRetrieve(d.metrics, "ready")
		return &RetrieveResult{Reply: t.reply}, nil
	default:
		metrics.ObserveRetrieve(d.metrics, "pending")
		return &RetrieveResult{Pending: true}, nil
	}
}

// WorkerGone fails every non-terminal ticket bound to the given workers
// and drops their queues. Called by the sweeper after a registry reap
// and by explicit unregister. Clients see a retryable worker-gone error;
// nothing is re-queued on their behalf.
func (d *Dispatcher) WorkerGone(workerIDs ...string) {
	if len(workerIDs) == 0 {
		return
	}
	gone := make(map[string]bool, len(workerIDs))
	for _, id := range workerIDs {
		gone[id] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range d.tickets {
		if !gone[t.workerID] {
			continue
		}
		if t.state == stateReady || t.state == stateFailed {
			continue
		}
		t.state = stateFailed
		t.failure = relayerr.New(relayerr.KindWorkerGone, "worker disappeared while holding the request")
		logger.Warn("request orphaned by worker loss",
			logger.KeyRequestID, t.requestID,
			logger.KeyWorkerID, t.workerID)
	}
	for id := range gone {
		delete(d.queues, id)
	}
}

// Sweep expires stale tickets and fails streams stuck past the gap
// timeout. Returns the number of tickets dropped.
func (d *Dispatcher) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	dropped := 0
	for id, t := range d.tickets {
		if d.expiredLocked(t) {
			delete(d.tickets, id)
			dropped++
			if d.metrics != nil {
				d.metrics.RecordTicketExpired()
			}
			continue
		}
		if t.stream != nil && t.state != stateFailed {
			if t.stream.gapExceeded(d.now(), d.gapTimeout) {
				t.state = stateFailed
				t.failure = relayerr.New(relayerr.KindStreamGap, "stream gap outlived its timeout")
				metrics.ObserveStreamChunk(d.metrics, "gap-timeout")
			}
		}
	}
	return dropped
}

// Run drives the sweeper until ctx is cancelled: ticket expiry, stream
// gap checks, and worker reaping (propagated to tickets as worker-gone).
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.WorkerGone(d.reg.Reap()...)
			if n := d.Sweep(); n > 0 {
				logger.Debug("expired tickets reaped", logger.KeyReason, "ttl", "count", n)
			}
			if d.metrics != nil {
				d.metrics.SetRegisteredWorkers(d.reg.Count())
			}
		}
	}
}

// TicketCount reports live tickets, for the status surface.
func (d *Dispatcher) TicketCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tickets)
}

// QueueDepth reports a worker's inbound queue depth.
func (d *Dispatcher) QueueDepth(workerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[workerID]; ok {
		return len(q)
	}
	return 0
}

func (d *Dispatcher) queueLocked(workerID string) chan *Item {
	q, ok := d.queues[workerID]
	if !ok {
		q = make(chan *Item, d.queueCap)
		d.queues[workerID] = q
	}
	return q
}

func (d *Dispatcher) expiredLocked(t *ticket) bool {
	return d.now().Sub(t.createdAt) > d.requestTTL
}

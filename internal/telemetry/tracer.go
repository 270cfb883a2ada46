package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for relay operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Attribute values never contain envelope payloads or key material.
const (
	// Client attributes
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// Relay dispatch attributes
	AttrRequestID   = "relay.request_id"
	AttrWorkerID    = "relay.worker_id"
	AttrFingerprint = "relay.fingerprint"
	AttrQueueDepth  = "relay.queue_depth"
	AttrTicketState = "relay.ticket_state"
	AttrModel       = "relay.model"
	AttrOutcome     = "relay.outcome"

	// Stream attributes
	AttrStreamID   = "stream.session_id"
	AttrChunkIndex = "stream.chunk_index"
	AttrChunkFinal = "stream.final"

	// Envelope attributes (sizes and modes only, never contents)
	AttrCipherMode  = "envelope.cipher_mode"
	AttrEnvelopeLen = "envelope.length"
	AttrKeyID       = "crypto.key_id"

	// HTTP surface attributes
	AttrEndpoint = "http.route"
	AttrMethod   = "http.request.method"
	AttrStatus   = "http.response.status_code"
)

// Span names for relay operations.
// Format: <component>.<operation>.
const (
	SpanSubmit         = "dispatch.submit"
	SpanRetrieve       = "dispatch.retrieve"
	SpanWorkerPoll     = "dispatch.worker_poll"
	SpanWorkerPublish  = "dispatch.worker_publish"
	SpanStreamRetrieve = "dispatch.stream_retrieve"
	SpanSweep          = "dispatch.sweep"

	SpanEnvelopeSeal = "envelope.seal"
	SpanEnvelopeOpen = "envelope.open"
	SpanKeyRotate    = "keymgr.rotate"

	SpanChatCompletion = "openai.chat_completion"
)

// ClientIP creates a client IP attribute.
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// RequestID creates a request ticket attribute.
func RequestID(id string) attribute.KeyValue {
	return attribute.String(AttrRequestID, id)
}

// WorkerID creates a worker attribute.
func WorkerID(id string) attribute.KeyValue {
	return attribute.String(AttrWorkerID, id)
}

// Fingerprint creates a client fingerprint attribute.
func Fingerprint(fp string) attribute.KeyValue {
	return attribute.String(AttrFingerprint, fp)
}

// QueueDepth creates a queue depth attribute.
func QueueDepth(depth int) attribute.KeyValue {
	return attribute.Int(AttrQueueDepth, depth)
}

// Model creates a model routing attribute.
func Model(model string) attribute.KeyValue {
	return attribute.String(AttrModel, model)
}

// Outcome creates an operation outcome attribute.
func Outcome(outcome string) attribute.KeyValue {
	return attribute.String(AttrOutcome, outcome)
}

// StreamID creates a stream session attribute.
func StreamID(id string) attribute.KeyValue {
	return attribute.String(AttrStreamID, id)
}

// ChunkIndex creates a chunk index attribute.
func ChunkIndex(index int) attribute.KeyValue {
	return attribute.Int(AttrChunkIndex, index)
}

// ChunkFinal marks the final chunk of a stream.
func ChunkFinal(final bool) attribute.KeyValue {
	return attribute.Bool(AttrChunkFinal, final)
}

// CipherMode creates a cipher mode attribute ("cbc" or "gcm").
func CipherMode(mode string) attribute.KeyValue {
	return attribute.String(AttrCipherMode, mode)
}

// EnvelopeLen creates an envelope size attribute.
func EnvelopeLen(n int) attribute.KeyValue {
	return attribute.Int(AttrEnvelopeLen, n)
}

// KeyID creates a keypair generation attribute.
func KeyID(id string) attribute.KeyValue {
	return attribute.String(AttrKeyID, id)
}

// StartDispatchSpan starts a span for a dispatch-plane operation with
// the request ticket attached.
func StartDispatchSpan(ctx context.Context, name, requestID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{RequestID(requestID)}, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(all...))
}

// StartEnvelopeSpan starts a span for an envelope seal or open.
func StartEnvelopeSpan(ctx context.Context, name, mode string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{CipherMode(mode)}, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(all...))
}

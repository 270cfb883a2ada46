package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log
// aggregation and querying.
//
// There is deliberately NO key for envelope payloads: ciphertext,
// cipherkey, session keys and decrypted content must never reach a log
// statement. The payload linter (scripts/lint-no-payload.sh) rejects
// call sites that pass those identifiers to the logger.
const (
	// Distributed tracing
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// Relay dispatch
	KeyRequestID   = "request_id"   // Relay request ticket ID (UUIDv4)
	KeyWorkerID    = "worker_id"    // Worker identifier from announce
	KeyFingerprint = "fingerprint"  // Client public-key fingerprint
	KeyStreamID    = "stream_id"    // Stream session identifier
	KeyChunkIndex  = "chunk_index"  // Stream chunk index
	KeyModel       = "model"        // Opaque model routing hint
	KeyQueueDepth  = "queue_depth"  // Inbound queue depth at submit time
	KeyInFlight    = "in_flight"    // Worker in-flight request count
	KeyTicketState = "ticket_state" // Ticket lifecycle state

	// HTTP surface
	KeyEndpoint   = "endpoint"    // Relay endpoint path
	KeyMethod     = "method"      // HTTP method
	KeyStatus     = "status"      // HTTP status code
	KeyClientIP   = "client_ip"   // Client IP address
	KeyRemoteAddr = "remote_addr" // Raw remote address (with port)
	KeyBytes      = "bytes"       // Response size in bytes

	// Crypto lifecycle (key material itself is never logged)
	KeyKeyID       = "key_id"       // Short ID of the relay keypair generation
	KeyGraceKeys   = "grace_keys"   // Number of retired keys still in the decrypt ring
	KeyCipherMode  = "cipher_mode"  // cbc or gcm
	KeyEnvelopeLen = "envelope_len" // Envelope size in bytes (size only, never content)

	// Operation metadata
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorKind  = "error_kind"  // Relay error taxonomy kind
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyReason     = "reason"      // Short reason string for evictions/failures
)

// Err returns a slog attribute for an error value.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// FormatDuration formats a duration in milliseconds for display.
func FormatDuration(ms float64) string {
	if ms < 1 {
		return fmt.Sprintf("%.3fms", ms)
	}
	if ms < 1000 {
		return fmt.Sprintf("%.1fms", ms)
	}
	return fmt.Sprintf("%.2fs", ms/1000)
}

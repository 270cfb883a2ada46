package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context
type LogContext struct {
	TraceID     string    // OpenTelemetry trace ID
	SpanID      string    // OpenTelemetry span ID
	RequestID   string    // Relay ticket ID
	WorkerID    string    // Bound worker, when known
	Fingerprint string    // Client public-key fingerprint
	Endpoint    string    // Relay endpoint path
	ClientIP    string    // Client IP address (without port)
	StartTime   time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a request arriving from clientIP
func NewLogContext(clientIP string) *LogContext {
	return &LogContext{
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithRequest returns a copy with the ticket ID set
func (lc *LogContext) WithRequest(requestID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.RequestID = requestID
	}
	return clone
}

// WithWorker returns a copy with the worker ID set
func (lc *LogContext) WithWorker(workerID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.WorkerID = workerID
	}
	return clone
}

// WithFingerprint returns a copy with the client fingerprint set
func (lc *LogContext) WithFingerprint(fp string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Fingerprint = fp
	}
	return clone
}

// WithEndpoint returns a copy with the endpoint path set
func (lc *LogContext) WithEndpoint(endpoint string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Endpoint = endpoint
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}

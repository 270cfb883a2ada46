// Package api provides the relay's HTTP server: routing, middleware,
// and lifecycle. The handlers themselves live in pkg/api/handlers.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/pkg/api/auth"
	"github.com/tokenplace/relay/pkg/api/handlers"
	"github.com/tokenplace/relay/pkg/api/middleware"
	"github.com/tokenplace/relay/pkg/metrics"
)

// RouterConfig tunes the router-level middleware.
type RouterConfig struct {
	// MaxBodyBytes caps request bodies (envelope size cap).
	MaxBodyBytes int64

	// RequestTimeout aborts handlers that outlive it. Must sit above
	// the worker and stream poll timeouts or long-polls get cut short.
	RequestTimeout time.Duration
}

// NewRouter creates and configures the chi router with all middleware
// and routes.
//
// Middleware order matters: request ID and real IP first so the
// request logger can use them, recovery before the timeout so panics
// inside long-polls still produce a 500.
func NewRouter(relay *handlers.Relay, tokens *auth.Service, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(relay.Metrics))
	r.Use(chimw.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
	}
	r.Use(middleware.MaxBody(cfg.MaxBodyBytes))

	// Key exchange and worker discovery.
	r.Get("/public-key", relay.PublicKey)
	r.Get("/next-server", relay.NextServer)

	// Client plane.
	r.Post("/submit", relay.Submit)
	r.Post("/faucet", relay.Submit)
	r.Post("/retrieve", relay.Retrieve)
	r.Post("/stream/retrieve", relay.StreamRetrieve)

	// Worker plane.
	r.Get("/sink", relay.Sink)
	r.Post("/sink", relay.Sink)
	r.Post("/source", relay.Source)
	r.Post("/stream/source", relay.StreamSource)

	// OpenAI-compatible surface. /v1 is canonical; /api/v1 survives
	// for old clients and answers with a Deprecation header.
	r.Post("/v1/chat/completions", relay.ChatCompletions)
	r.Post("/api/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Deprecation", "true")
		w.Header().Set("Link", `</v1/chat/completions>; rel="successor-version"`)
		relay.ChatCompletions(w, req)
	})

	// Probes.
	r.Get("/healthz", relay.Healthz)
	r.Get("/livez", relay.Livez)

	// Operator control surface.
	admin := handlers.NewAdminHandler(relay, tokens)
	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", admin.Login)

		r.Group(func(r chi.Router) {
			if tokens != nil {
				r.Use(middleware.AdminAuth(tokens))
			} else {
				r.Use(adminDisabled)
			}
			r.Post("/rotate-keys", admin.RotateKeys)
			r.Get("/workers", admin.Workers)
			r.Post("/drain", admin.Drain)
			r.Get("/perf", admin.Perf)
		})
	})

	return r
}

// adminDisabled blocks the control surface when no JWT secret is
// configured. Only /admin/login stays reachable so the caller gets a
// useful error there.
func adminDisabled(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "admin surface is not configured", http.StatusForbidden)
	})
}

// requestLogger logs request start (DEBUG) and completion (INFO), and
// feeds the HTTP metrics. The raw URL is logged but never the body:
// envelopes stay out of the logs by construction.
func requestLogger(m metrics.RelayMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := chimw.GetReqID(r.Context())

			logger.Debug("API request started",
				logger.KeyRequestID, requestID,
				logger.KeyMethod, r.Method,
				logger.KeyEndpoint, r.URL.Path,
				logger.KeyRemoteAddr, r.RemoteAddr,
			)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			logger.Info("API request completed",
				logger.KeyRequestID, requestID,
				logger.KeyMethod, r.Method,
				logger.KeyEndpoint, r.URL.Path,
				logger.KeyStatus, ww.Status(),
				logger.KeyBytes, ww.BytesWritten(),
				logger.KeyDurationMs, float64(duration.Microseconds())/1000,
			)

			metrics.ObserveRequest(m, routePattern(r), r.Method, ww.Status(), duration)
		})
	}
}

// routePattern returns the chi route pattern for metric labels, so
// label cardinality stays bounded even with hostile URLs.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

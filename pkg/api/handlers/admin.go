package handlers

import (
	"net/http"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/pkg/api/auth"
	"github.com/tokenplace/relay/pkg/relayerr"
)

// AdminHandler serves the operator control surface. Everything except
// Login sits behind the AdminAuth middleware.
type AdminHandler struct {
	relay  *Relay
	tokens *auth.Service
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(relay *Relay, tokens *auth.Service) *AdminHandler {
	return &AdminHandler{relay: relay, tokens: tokens}
}

// LoginRequest is the request body for POST /admin/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /admin/login.
// Verifies the operator credentials and returns a session token.
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, relayerr.InvalidInput("username and password are required"))
		return
	}

	if h.relay.AdminPasswordHash == "" || h.tokens == nil {
		writeError(w, relayerr.New(relayerr.KindUnauthorized, "admin surface is not configured"))
		return
	}
	if req.Username != h.relay.AdminUsername ||
		auth.VerifyPassword(h.relay.AdminPasswordHash, req.Password) != nil {
		// One message for both failures; never say which was wrong.
		writeError(w, relayerr.Unauthorized())
		return
	}

	token, err := h.tokens.IssueAdminToken(req.Username)
	if err != nil {
		writeError(w, relayerr.Wrap(relayerr.KindInternal, "token issuance failed", err))
		return
	}

	logger.Info("admin login", "username", req.Username)
	writeOK(w, token)
}

// RotateKeys handles POST /admin/rotate-keys.
// Generates a fresh relay keypair; the outgoing key moves to the
// decrypt grace ring so in-flight envelopes still open.
func (h *AdminHandler) RotateKeys(w http.ResponseWriter, r *http.Request) {
	if err := h.relay.Keys.Rotate(); err != nil {
		writeError(w, relayerr.Wrap(relayerr.KindInternal, "key rotation failed", err))
		return
	}
	if h.relay.Metrics != nil {
		h.relay.Metrics.RecordKeyRotation()
	}

	logger.Info("relay keypair rotated",
		logger.KeyKeyID, h.relay.Keys.KeyID(),
		logger.KeyGraceKeys, h.relay.Keys.GraceKeyCount(),
	)
	writeOK(w, map[string]any{
		"key_id":     h.relay.Keys.KeyID(),
		"grace_keys": h.relay.Keys.GraceKeyCount(),
	})
}

// Workers handles GET /admin/workers.
// Lists registered workers with their liveness and load.
func (h *AdminHandler) Workers(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"workers": h.relay.Registry.List(),
	})
}

// DrainRequest is the request body for POST /admin/drain.
type DrainRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// Drain handles POST /admin/drain.
// Flips readiness to draining without stopping traffic: new submits
// are refused while retrieves and worker publishes keep flowing. An
// explicit {"enabled": false} lifts the drain.
func (h *AdminHandler) Drain(w http.ResponseWriter, r *http.Request) {
	req := DrainRequest{}
	// An empty body means "start draining".
	_ = decodeBestEffort(r, &req)

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	h.relay.SetDraining(enabled)

	logger.Info("drain mode changed", "draining", enabled)
	writeOK(w, map[string]bool{"draining": enabled})
}

// Perf handles GET /admin/perf.
// Returns timing percentiles when the perf monitor is enabled.
func (h *AdminHandler) Perf(w http.ResponseWriter, r *http.Request) {
	if !h.relay.Perf.Enabled() {
		writeError(w, relayerr.InvalidInput("perf monitor is disabled"))
		return
	}
	writeOK(w, map[string]any{
		"operations": h.relay.Perf.Snapshot(),
	})
}

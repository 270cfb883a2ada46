package handlers

import "net/http"

// Healthz handles GET /healthz.
// Readiness: reports worker and ticket counts, and flips to
// "draining" while an operator drain is active. Always 200 so load
// balancers can read the status word instead of guessing from the
// status code.
func (rl *Relay) Healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if rl.Draining() {
		status = "draining"
	}
	data := map[string]any{
		"workers": rl.Registry.Count(),
		"tickets": rl.Dispatch.TicketCount(),
		"key_id":  rl.Keys.KeyID(),
	}
	if rl.PublicURL != "" {
		data["public_url"] = rl.PublicURL
	}
	writeStatus(w, status, data)
}

// Livez handles GET /livez.
// Liveness: answers as long as the process serves HTTP.
func (rl *Relay) Livez(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, "ok", nil)
}

// ABOUTME: Built-in HTTP endpoints: liveness, readiness, operator status and transition history
// ABOUTME: Served by the gateway itself, available before any upstream is ready

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/2389/fleet-gateway/internal/store"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// ReadinessResponse is the body of GET /health/ready.
type ReadinessResponse struct {
	Ready    bool     `json:"ready"`
	Phase    string   `json:"phase,omitempty"`
	NotReady []string `json:"not_ready,omitempty"`
}

// TransitionResponse is one entry of GET /status/history.
type TransitionResponse struct {
	ID      string `json:"id"`
	CycleID string `json:"cycle_id"`
	Service string `json:"service"`
	From    string `json:"from"`
	To      string `json:"to"`
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason,omitempty"`
	At      string `json:"at"`
}

// handleHealth returns 200 OK while the process is serving.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 when every routed service is ready and 503 with
// the not-ready list otherwise.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.fleet == nil {
		g.sendJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Ready: false})
		return
	}
	snap := g.fleet.Snapshot()

	services := g.routes.Services()
	if len(services) == 0 {
		for name := range snap.Services {
			services = append(services, name)
		}
	}

	var notReady []string
	for _, name := range snap.NotReady() {
		if slices.Contains(services, name) {
			notReady = append(notReady, name)
		}
	}

	resp := ReadinessResponse{
		Ready:    len(notReady) == 0,
		Phase:    string(snap.Phase),
		NotReady: notReady,
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	g.sendJSON(w, status, resp)
}

// handleStatus returns the operator status surface.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if g.fleet == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}
	g.sendJSON(w, http.StatusOK, g.fleet.Snapshot())
}

// handleHistory returns recorded transitions, newest last.
// Query parameters: service, cycle, limit (default 100, max 1000).
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if g.ledger == nil {
		g.sendJSONError(w, http.StatusNotFound, "state ledger not configured")
		return
	}

	q := r.URL.Query()
	filter := store.TransitionFilter{Limit: defaultHistoryLimit}
	if s := q.Get("service"); s != "" {
		filter.Service = &s
	}
	if c := q.Get("cycle"); c != "" {
		filter.CycleID = &c
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxHistoryLimit)
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &t
	}

	transitions, err := g.ledger.ListTransitions(r.Context(), filter)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSON(w, http.StatusOK, []TransitionResponse{})
			return
		}
		g.logger.Error("failed to list transitions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]TransitionResponse, len(transitions))
	for i, t := range transitions {
		response[i] = TransitionResponse{
			ID:      t.ID,
			CycleID: t.CycleID,
			Service: t.Service,
			From:    t.From,
			To:      t.To,
			Attempt: t.Attempt,
			Reason:  t.Reason,
			At:      t.At.Format(time.RFC3339Nano),
		}
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleRoute forwards a request to the service its route names.
func (g *Gateway) handleRoute(w http.ResponseWriter, r *http.Request) {
	m, ok := g.routes.Match(r.Method, r.URL.Path)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	g.routeHandlers[m.Rule.Index].ServeHTTP(w, r.WithContext(withMatch(r.Context(), m)))
}

// serveMatched runs after route auth. Readiness is checked before any
// upstream connection is attempted.
func (g *Gateway) serveMatched(w http.ResponseWriter, r *http.Request) {
	m, ok := matchFromContext(r.Context())
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	if err := g.checkUpstream(m.Rule); err != nil {
		var unavailable *UpstreamUnavailableError
		if errors.As(err, &unavailable) {
			g.logger.Debug("rejecting request for unready service", "service", unavailable.Service, "path", r.URL.Path)
			g.sendUnavailable(w, unavailable.Service)
			return
		}
		g.sendJSONError(w, http.StatusBadGateway, "bad gateway")
		return
	}

	if m.Rule.Mode != ModeHTTP {
		if isWebSocketUpgrade(r) {
			g.serveRelay(w, r, m)
			return
		}
		// Other upgrades would bypass the relay's idle and close handling.
		if headerContainsToken(r.Header, "Connection", "upgrade") {
			g.logger.Debug("rejecting non-websocket upgrade", "service", m.Rule.Service, "upgrade", r.Header.Get("Upgrade"))
			g.sendJSONError(w, http.StatusBadRequest, "unsupported upgrade")
			return
		}
	}
	g.proxies[m.Rule.Index].ServeHTTP(w, r)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write JSON response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

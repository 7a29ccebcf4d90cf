// ABOUTME: Server-sent event stream of service state transitions for operators
// ABOUTME: Sends a snapshot first, then one event per transition until shutdown or disconnect

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/2389/fleet-gateway/internal/orchestrator"
)

// SSE event names written by GET /status/events.
const (
	sseEventSnapshot   = "snapshot"
	sseEventTransition = "transition"
	sseEventClosed     = "closed"
)

// handleStatusEvents streams transitions as server-sent events. An optional
// ?service= query narrows the stream to one service.
func (g *Gateway) handleStatusEvents(w http.ResponseWriter, r *http.Request) {
	if g.fleet == nil || g.events == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "orchestrator not running")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	service := r.URL.Query().Get("service")
	if service == "" {
		service = orchestrator.AllServices
	}

	// Subscribe before the snapshot so no transition falls between them.
	events, _ := g.events.Subscribe(r.Context(), service)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, sseEventSnapshot, g.fleet.Snapshot())
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.shutdown:
			g.writeSSEEvent(w, sseEventClosed, map[string]string{"reason": "shutdown"})
			flusher.Flush()
			return
		case ev, ok := <-events:
			if !ok {
				g.writeSSEEvent(w, sseEventClosed, map[string]string{"reason": "orchestrator stopped"})
				flusher.Flush()
				return
			}
			g.writeSSEEvent(w, sseEventTransition, ev)
			flusher.Flush()
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}

// ABOUTME: Server-Sent Events stream of a tenant's routing events
// ABOUTME: Operator dashboards subscribe here instead of polling the queue

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleEvents handles GET /api/events. The stream carries every committed
// routing event of the caller's tenant until the client disconnects.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := a.callerIdentity(w, r)
	if !ok {
		return
	}
	if a.broadcaster == nil {
		a.sendJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "event stream disabled", Code: "unavailable"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.logger.Error("streaming not supported")
		a.sendJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported", Code: "internal"})
		return
	}

	ctx := r.Context()
	ch, subID := a.broadcaster.Subscribe(ctx, id.TenantID)
	defer a.broadcaster.Unsubscribe(id.TenantID, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	a.writeSSEEvent(w, "ready", map[string]string{"tenant_id": id.TenantID})
	flusher.Flush()

	a.logger.Debug("event stream opened", "tenant_id", id.TenantID, "user_id", id.UserID)

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (a *API) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		a.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

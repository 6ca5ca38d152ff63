// ABOUTME: Queue and operator endpoints: queue listing, drain, profiles, presence and stats
// ABOUTME: Queue operations always act on the caller's own tenant

package api

import (
	"net/http"

	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

// handleQueue handles GET /api/queue.
func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := a.callerIdentity(w, r)
	if !ok {
		return
	}

	convs, err := a.engine.ListWaiting(r.Context(), id.TenantID)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, QueueResponse{
		TenantID:      id.TenantID,
		Conversations: toConversationList(convs, true),
	})
}

// handleDrain handles POST /api/queue/drain.
func (a *API) handleDrain(w http.ResponseWriter, r *http.Request) {
	id, ok := a.callerIdentity(w, r)
	if !ok {
		return
	}

	assigned, err := a.engine.Drain(r.Context(), id.TenantID)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, DrainResponse{Assigned: toConversationList(assigned, false)})
}

// handleListOperators handles GET /api/operators.
func (a *API) handleListOperators(w http.ResponseWriter, r *http.Request) {
	loads, err := a.engine.ListOperators(r.Context())
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, OperatorsResponse{Operators: toOperatorList(loads)})
}

// handleAvailableOperators handles GET /api/operators/available.
func (a *API) handleAvailableOperators(w http.ResponseWriter, r *http.Request) {
	id, ok := a.callerIdentity(w, r)
	if !ok {
		return
	}

	loads, err := a.engine.AvailableOperators(r.Context(), id.TenantID)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, OperatorsResponse{Operators: toOperatorList(loads)})
}

// handleUpsertMe handles PUT /api/operators/me, creating the caller's
// operator profile on first use.
func (a *API) handleUpsertMe(w http.ResponseWriter, r *http.Request) {
	var req UpsertOperatorRequest
	if err := decodeBody(r, &req, true); err != nil {
		a.sendBadRequest(w, err.Error())
		return
	}

	fields := routing.OperatorFields{
		DisplayName:   req.DisplayName,
		MaxConcurrent: req.MaxConcurrent,
		Settings:      req.Settings,
	}
	if req.Status != nil {
		status := store.OperatorStatus(*req.Status)
		fields.Status = &status
	}

	op, err := a.engine.UpsertOperator(r.Context(), fields)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, toOperatorResponse(op))
}

// handleSetStatus handles POST /api/operators/{id}/status.
func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decodeBody(r, &req, false); err != nil {
		a.sendBadRequest(w, err.Error())
		return
	}

	op, err := a.engine.SetOperatorStatus(r.Context(), r.PathValue("id"), store.OperatorStatus(req.Status))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, toOperatorResponse(op))
}

// handleOperatorStats handles GET /api/operators/{id}/stats.
func (a *API) handleOperatorStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.engine.OperatorStats(r.Context(), r.PathValue("id"))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, stats)
}

// ABOUTME: Conversation endpoints: start, read, messages, handoff and lifecycle actions
// ABOUTME: Each handler decodes its body, calls one engine operation, and encodes the result

package api

import (
	"net/http"
	"strconv"

	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/store"
)

const (
	defaultTranscriptLimit = 100
	maxTranscriptLimit     = 1000
)

// handleStartConversation handles POST /api/conversations. With an
// Idempotency-Key header a retry returns the conversation the first attempt
// created.
func (a *API) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := a.callerIdentity(w, r)
	if !ok {
		return
	}

	var req StartConversationRequest
	if err := decodeBody(r, &req, false); err != nil {
		a.sendBadRequest(w, err.Error())
		return
	}

	var key string
	if clientKey := r.Header.Get(IdempotencyHeader); clientKey != "" && a.idempotency != nil {
		key = dedupe.Key(id.TenantID, id.UserID, clientKey)
		if convID, seen := a.idempotency.Lookup(key); seen {
			a.replayConversation(w, r, convID)
			return
		}
	}

	conv, err := a.engine.StartConversation(r.Context(), req.VisitorID)
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	if key != "" {
		if winner, existed := a.idempotency.Remember(key, conv.ID); existed {
			// A concurrent retry won; close ours and answer with theirs.
			if _, err := a.engine.Abandon(r.Context(), conv.ID); err != nil {
				a.logger.Warn("failed to close duplicate conversation", "conversation_id", conv.ID, "error", err)
			}
			a.replayConversation(w, r, winner)
			return
		}
	}

	a.sendJSON(w, http.StatusCreated, toConversationResponse(conv))
}

func (a *API) replayConversation(w http.ResponseWriter, r *http.Request, conversationID string) {
	conv, err := a.engine.GetConversation(r.Context(), conversationID)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	w.Header().Set("Idempotent-Replayed", "true")
	a.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleGetConversation handles GET /api/conversations/{id}.
func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := a.engine.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleAppendMessage handles POST /api/conversations/{id}/messages.
func (a *API) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req AppendMessageRequest
	if err := decodeBody(r, &req, false); err != nil {
		a.sendBadRequest(w, err.Error())
		return
	}

	msg, err := a.engine.AppendMessage(r.Context(), r.PathValue("id"), store.Sender(req.Sender), req.Text, req.Internal)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// handleTranscript handles GET /api/conversations/{id}/messages. The
// transcript is JSON by default or a rendered HTML fragment with ?format=html.
// An optional ?limit=N (default 100, max 1000) keeps the most recent messages.
func (a *API) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit := defaultTranscriptLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			a.sendBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxTranscriptLimit)
	}

	conversationID := r.PathValue("id")
	msgs, err := a.engine.Transcript(r.Context(), conversationID, limit)
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		resp := TranscriptResponse{
			ConversationID: conversationID,
			Messages:       make([]MessageResponse, len(msgs)),
		}
		for i, m := range msgs {
			resp.Messages[i] = toMessageResponse(m)
		}
		a.sendJSON(w, http.StatusOK, resp)
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := renderTranscript(w, conversationID, msgs); err != nil {
			a.logger.Error("failed to render transcript", "conversation_id", conversationID, "error", err)
		}
	default:
		a.sendBadRequest(w, "format must be json or html")
	}
}

// handleHandoff handles POST /api/conversations/{id}/handoff.
func (a *API) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var req HandoffRequest
	if err := decodeBody(r, &req, true); err != nil {
		a.sendBadRequest(w, err.Error())
		return
	}

	res, err := a.engine.RequestHandoff(r.Context(), r.PathValue("id"), req.Reason, store.Priority(req.Priority))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, toHandoffResponse(res))
}

// handleAccept handles POST /api/conversations/{id}/accept. Without an
// operator_id the caller accepts as their own operator profile.
func (a *API) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if err := decodeBody(r, &req, true); err != nil {
		a.sendBadRequest(w, err.Error())
		return
	}

	operatorID := req.OperatorID
	if operatorID == "" {
		op, err := a.engine.OperatorForUser(r.Context())
		if err != nil {
			a.sendError(w, r, err)
			return
		}
		operatorID = op.ID
	}

	conv, err := a.engine.Accept(r.Context(), r.PathValue("id"), operatorID)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleResolve handles POST /api/conversations/{id}/resolve.
func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeBody(r, &req, true); err != nil {
		a.sendBadRequest(w, err.Error())
		return
	}

	conv, err := a.engine.Resolve(r.Context(), r.PathValue("id"), req.Rating)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleAbandon handles POST /api/conversations/{id}/abandon.
func (a *API) handleAbandon(w http.ResponseWriter, r *http.Request) {
	conv, err := a.engine.Abandon(r.Context(), r.PathValue("id"))
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}

// handleAssign handles POST /api/conversations/{id}/assign.
func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if err := decodeBody(r, &req, false); err != nil {
		a.sendBadRequest(w, err.Error())
		return
	}
	if req.OperatorID == "" {
		a.sendBadRequest(w, "operator_id is required")
		return
	}

	res, err := a.engine.ForceAssign(r.Context(), r.PathValue("id"), req.OperatorID)
	if err != nil {
		a.sendError(w, r, err)
		return
	}
	a.sendJSON(w, http.StatusOK, toHandoffResponse(res))
}

// handleTransfers handles GET /api/conversations/{id}/transfers.
func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	trs, err := a.engine.Transfers(r.Context(), conversationID)
	if err != nil {
		a.sendError(w, r, err)
		return
	}

	resp := TransfersResponse{
		ConversationID: conversationID,
		Transfers:      make([]TransferResponse, len(trs)),
	}
	for i, tr := range trs {
		resp.Transfers[i] = toTransferResponse(tr)
	}
	a.sendJSON(w, http.StatusOK, resp)
}

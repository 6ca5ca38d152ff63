// ABOUTME: JSON request and response bodies for the HTTP API
// ABOUTME: Converts store entities into wire types with RFC3339 timestamps

package api

import (
	"time"

	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

// StartConversationRequest is the body of POST /api/conversations.
type StartConversationRequest struct {
	VisitorID string `json:"visitor_id"`
}

// AppendMessageRequest is the body of POST /api/conversations/{id}/messages.
type AppendMessageRequest struct {
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	Internal bool   `json:"internal,omitempty"`
}

// HandoffRequest is the body of POST /api/conversations/{id}/handoff.
type HandoffRequest struct {
	Reason   string `json:"reason,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// OperatorRequest is the body of accept and assign. Accept defaults to the
// caller's own operator profile.
type OperatorRequest struct {
	OperatorID string `json:"operator_id,omitempty"`
}

// ResolveRequest is the body of POST /api/conversations/{id}/resolve.
type ResolveRequest struct {
	Rating *int `json:"rating,omitempty"`
}

// UpsertOperatorRequest is the body of PUT /api/operators/me. Omitted fields
// are left unchanged.
type UpsertOperatorRequest struct {
	DisplayName   *string        `json:"display_name,omitempty"`
	MaxConcurrent *int           `json:"max_concurrent,omitempty"`
	Status        *string        `json:"status,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
}

// StatusRequest is the body of POST /api/operators/{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// ConversationResponse is the wire form of a conversation.
type ConversationResponse struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	VisitorID   string  `json:"visitor_id"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	OperatorID  *string `json:"operator_id,omitempty"`
	HandledBy   *string `json:"handled_by,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	StartedAt   string  `json:"started_at"`
	QueuedAt    string  `json:"queued_at,omitempty"`
	AssignedAt  string  `json:"assigned_at,omitempty"`
	ClosedAt    string  `json:"closed_at,omitempty"`
	CloseReason string  `json:"close_reason,omitempty"`
	Rating      *int    `json:"rating,omitempty"`
	UpdatedAt   string  `json:"updated_at"`
	Position    int     `json:"position,omitempty"`
}

// OperatorResponse is the wire form of an operator.
type OperatorResponse struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	UserID        string         `json:"user_id"`
	DisplayName   string         `json:"display_name"`
	Status        string         `json:"status"`
	MaxConcurrent int            `json:"max_concurrent"`
	CurrentLoad   *int           `json:"current_load,omitempty"`
	TotalResolved int            `json:"total_resolved"`
	Settings      map[string]any `json:"settings,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// TransferResponse is the wire form of a transfer.
type TransferResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	FromType       string `json:"from_type"`
	ToOperatorID   string `json:"to_operator_id"`
	Reason         string `json:"reason,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	AcceptedAt     string `json:"accepted_at,omitempty"`
	ExpiredAt      string `json:"expired_at,omitempty"`
}

// MessageResponse is the wire form of a transcript message.
type MessageResponse struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	AuthorID   string `json:"author_id,omitempty"`
	Text       string `json:"text"`
	IsInternal bool   `json:"is_internal,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// HandoffResponse is returned by handoff and assign.
type HandoffResponse struct {
	Status       string               `json:"status"`
	Conversation ConversationResponse `json:"conversation"`
	Operator     *OperatorResponse    `json:"operator,omitempty"`
	Transfer     *TransferResponse    `json:"transfer,omitempty"`
	Position     int                  `json:"position,omitempty"`
}

// TranscriptResponse is the JSON body of GET /api/conversations/{id}/messages.
type TranscriptResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// TransfersResponse is the body of GET /api/conversations/{id}/transfers.
type TransfersResponse struct {
	ConversationID string             `json:"conversation_id"`
	Transfers      []TransferResponse `json:"transfers"`
}

// QueueResponse is the body of GET /api/queue.
type QueueResponse struct {
	TenantID      string                 `json:"tenant_id"`
	Conversations []ConversationResponse `json:"conversations"`
}

// DrainResponse is the body of POST /api/queue/drain.
type DrainResponse struct {
	Assigned []ConversationResponse `json:"assigned"`
}

// OperatorsResponse lists operators.
type OperatorsResponse struct {
	Operators []OperatorResponse `json:"operators"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:          c.ID,
		TenantID:    c.TenantID,
		VisitorID:   c.VisitorID,
		Status:      string(c.Status),
		Priority:    string(c.Priority),
		OperatorID:  c.OperatorID,
		HandledBy:   c.HandledBy,
		Reason:      c.Reason,
		StartedAt:   formatTime(c.StartedAt),
		QueuedAt:    formatOptionalTime(c.QueuedAt),
		AssignedAt:  formatOptionalTime(c.AssignedAt),
		ClosedAt:    formatOptionalTime(c.ClosedAt),
		CloseReason: c.CloseReason,
		Rating:      c.Rating,
		UpdatedAt:   formatTime(c.UpdatedAt),
	}
}

func toConversationList(convs []*store.Conversation, withPosition bool) []ConversationResponse {
	out := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		out[i] = toConversationResponse(c)
		if withPosition {
			out[i].Position = i + 1
		}
	}
	return out
}

func toOperatorResponse(op *store.Operator) OperatorResponse {
	return OperatorResponse{
		ID:            op.ID,
		TenantID:      op.TenantID,
		UserID:        op.UserID,
		DisplayName:   op.DisplayName,
		Status:        string(op.Status),
		MaxConcurrent: op.MaxConcurrent,
		TotalResolved: op.TotalResolved,
		Settings:      op.Settings,
		CreatedAt:     formatTime(op.CreatedAt),
		UpdatedAt:     formatTime(op.UpdatedAt),
	}
}

func toOperatorList(loads []store.OperatorLoad) []OperatorResponse {
	out := make([]OperatorResponse, len(loads))
	for i, l := range loads {
		out[i] = toOperatorResponse(l.Operator)
		load := l.CurrentLoad
		out[i].CurrentLoad = &load
	}
	return out
}

func toTransferResponse(tr *store.Transfer) TransferResponse {
	return TransferResponse{
		ID:             tr.ID,
		ConversationID: tr.ConversationID,
		FromType:       tr.FromType,
		ToOperatorID:   tr.ToOperatorID,
		Reason:         tr.Reason,
		Status:         string(tr.Status),
		CreatedAt:      formatTime(tr.CreatedAt),
		AcceptedAt:     formatOptionalTime(tr.AcceptedAt),
		ExpiredAt:      formatOptionalTime(tr.ExpiredAt),
	}
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:         m.ID,
		Sender:     string(m.Sender),
		AuthorID:   m.AuthorID,
		Text:       m.Text,
		IsInternal: m.IsInternal,
		CreatedAt:  formatTime(m.CreatedAt),
	}
}

func toHandoffResponse(res *routing.HandoffResult) HandoffResponse {
	out := HandoffResponse{
		Status:       string(res.Status),
		Conversation: toConversationResponse(res.Conversation),
		Position:     res.Position,
	}
	if res.Operator != nil {
		op := toOperatorResponse(res.Operator)
		out.Operator = &op
	}
	if res.Transfer != nil {
		tr := toTransferResponse(res.Transfer)
		out.Transfer = &tr
	}
	return out
}

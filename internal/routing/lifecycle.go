// ABOUTME: Conversation state machine: the transition table, guarded writes and lifecycle messages
// ABOUTME: Every status change goes through Apply, which is a compare-and-set on the stored status

package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/store"
)

// transitions lists every permitted status change. resolved is terminal.
var transitions = map[store.ConversationStatus][]store.ConversationStatus{
	store.ConversationBot:      {store.ConversationWaiting, store.ConversationAssigned, store.ConversationResolved},
	store.ConversationWaiting:  {store.ConversationAssigned, store.ConversationActive, store.ConversationResolved},
	store.ConversationAssigned: {store.ConversationActive, store.ConversationWaiting, store.ConversationResolved},
	store.ConversationActive:   {store.ConversationResolved},
}

// CanTransition reports whether a conversation may move from one status to another.
func CanTransition(from, to store.ConversationStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Lifecycle messages appended to the transcript.
const (
	msgQueued    = "All operators are busy right now. You are in the queue and will be connected as soon as someone is free."
	msgResolved  = "This conversation has been resolved."
	msgExpired   = "The operator did not pick up in time. You are back in the queue."
	msgAbandoned = "The visitor left the conversation."
)

func msgConnecting(operatorName string) string {
	return fmt.Sprintf("Connecting you to %s...", operatorName)
}

func msgGreeting(operatorName string) string {
	return fmt.Sprintf("Hi, this is %s. I'm taking over from here. How can I help?", operatorName)
}

// Lifecycle applies conversation transitions and writes their transcript messages.
type Lifecycle struct {
	now func() time.Time
}

// Guard returns a StateError unless conv is in one of the allowed statuses.
func (l *Lifecycle) Guard(op string, conv *store.Conversation, allowed ...store.ConversationStatus) error {
	for _, s := range allowed {
		if conv.Status == s {
			return nil
		}
	}
	return &StateError{Op: op, ConversationID: conv.ID, Status: conv.Status}
}

// Change describes one guarded transition.
type Change struct {
	Op          string
	Current     *store.Conversation // as read in this unit of work
	Next        *store.Conversation // target row
	CapacityFor string              // operator whose capacity must hold
	Force       bool                // skip the operator status check
}

// Apply writes c.Next if the stored row still has c.Current's status. It
// returns false when another writer got there first or the operator had no
// room; the caller decides which error that means.
func (l *Lifecycle) Apply(ctx context.Context, repo store.Repository, c Change) (bool, error) {
	if !CanTransition(c.Current.Status, c.Next.Status) {
		return false, &StateError{Op: c.Op, ConversationID: c.Current.ID, Status: c.Current.Status}
	}
	if c.Next.Status.HoldsOperator() != (c.Next.OperatorID != nil) {
		return false, fmt.Errorf("%s: operator must be set exactly when %s holds an operator", c.Op, c.Next.Status)
	}

	c.Next.UpdatedAt = l.now()
	ok, err := repo.TransitionConversation(ctx, store.Transition{
		From:        []store.ConversationStatus{c.Current.Status},
		Next:        c.Next,
		CapacityFor: c.CapacityFor,
		Force:       c.Force,
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", c.Op, err)
	}
	return ok, nil
}

// Conflict re-reads a conversation after a lost compare-and-set and reports
// the status that beat the caller.
func (l *Lifecycle) Conflict(ctx context.Context, repo store.Repository, op, conversationID string) error {
	conv, err := repo.GetConversation(ctx, conversationID)
	if err != nil {
		return notFound("conversation", conversationID, err)
	}
	return &StateError{Op: op, ConversationID: conversationID, Status: conv.Status}
}

// Say appends a lifecycle message to the conversation transcript.
func (l *Lifecycle) Say(ctx context.Context, repo store.Repository, conv *store.Conversation, sender store.Sender, authorID, text string) (*store.Message, error) {
	msg := &store.Message{
		ID:             uuid.New().String(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Sender:         sender,
		AuthorID:       authorID,
		Text:           text,
		CreatedAt:      l.now(),
	}
	if err := repo.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("appending %s message: %w", sender, err)
	}
	return msg, nil
}

// assignTo prepares conv as assigned to op.
func (l *Lifecycle) assignTo(conv *store.Conversation, operatorID string) *store.Conversation {
	next := conv.Clone()
	next.Status = store.ConversationAssigned
	next.OperatorID = &operatorID
	at := l.now()
	next.AssignedAt = &at
	return next
}

// close prepares conv as resolved with the given reason. The operator moves
// to HandledBy because a resolved conversation holds none.
func (l *Lifecycle) close(conv *store.Conversation, reason string) *store.Conversation {
	next := conv.Clone()
	if next.OperatorID != nil {
		next.HandledBy = next.OperatorID
	}
	next.OperatorID = nil
	next.Status = store.ConversationResolved
	next.CloseReason = reason
	at := l.now()
	next.ClosedAt = &at
	return next
}

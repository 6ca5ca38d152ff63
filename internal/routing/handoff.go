// ABOUTME: Handoff operations: request, drain and force assignment of conversations to operators
// ABOUTME: Every claim locks the operator, then writes the conversation with a capacity-guarded compare-and-set

package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/store"
)

// HandoffStatus is the outcome of a handoff request.
type HandoffStatus string

const (
	HandoffWaiting  HandoffStatus = "waiting"
	HandoffAssigned HandoffStatus = "assigned"
)

// HandoffResult describes where a handoff request landed. Operator and
// Transfer are set only when the conversation was assigned; Position (1-based)
// only when it was queued.
type HandoffResult struct {
	Status       HandoffStatus       `json:"status"`
	Conversation *store.Conversation `json:"conversation"`
	Operator     *store.Operator     `json:"operator,omitempty"`
	Transfer     *store.Transfer     `json:"transfer,omitempty"`
	Position     int                 `json:"position,omitempty"`
}

// RequestHandoff moves a bot conversation to a human. If an operator has room
// the conversation is assigned with a pending transfer; otherwise it joins the
// queue. Queueing is a normal outcome, not an error.
func (e *Engine) RequestHandoff(ctx context.Context, conversationID, reason string, priority store.Priority) (*HandoffResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if priority == "" {
		priority = store.PriorityNormal
	}
	if !priority.Valid() {
		return nil, invalidArgument("unknown priority %q", priority)
	}

	var result *HandoffResult
	err = e.run(ctx, func(u *unit) error {
		// Step 1: the conversation must still be with the bot
		conv, err := loadConversation(ctx, u.repo, id.TenantID, conversationID)
		if err != nil {
			return err
		}
		if err := e.lifecycle.Guard("request handoff", conv, store.ConversationBot); err != nil {
			return err
		}

		// Step 2: try to claim an operator
		got, err := e.claim(ctx, u.repo, "request handoff", conv, func(next *store.Conversation) {
			next.Reason = reason
			next.Priority = priority
		})
		if err != nil {
			return err
		}
		if got != nil {
			tr, err := e.ledger.CreatePending(ctx, u.repo, got.conv, got.op.ID, reason)
			if err != nil {
				return err
			}
			if _, err := e.lifecycle.Say(ctx, u.repo, got.conv, store.SenderSystem, "", msgConnecting(got.op.DisplayName)); err != nil {
				return err
			}
			result = &HandoffResult{Status: HandoffAssigned, Conversation: got.conv, Operator: got.op, Transfer: tr}
			ev := conversationEvent(events.HandoffAssigned, got.conv)
			ev.TransferID = tr.ID
			u.emit(ev)
			return nil
		}

		// Step 3: nobody has room, queue it
		queued, err := e.queue.Enqueue(ctx, u.repo, conv, reason, priority, e.now())
		if err != nil {
			return err
		}
		if _, err := e.lifecycle.Say(ctx, u.repo, queued, store.SenderSystem, "", msgQueued); err != nil {
			return err
		}
		position, err := e.position(ctx, u.repo, queued)
		if err != nil {
			return err
		}
		result = &HandoffResult{Status: HandoffWaiting, Conversation: queued, Position: position}
		u.emit(conversationEvent(events.HandoffQueued, queued))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Status == HandoffAssigned {
		e.logger.Info("handoff assigned",
			"conversation_id", conversationID,
			"operator_id", result.Operator.ID,
			"transfer_id", result.Transfer.ID,
		)
	} else {
		e.logger.Info("handoff queued",
			"conversation_id", conversationID,
			"priority", priority,
			"position", result.Position,
		)
	}
	return result, nil
}

// claimed is a conversation that was just assigned to op.
type claimed struct {
	conv *store.Conversation
	op   *store.Operator
}

// claim assigns conv to the operator the policy prefers. When a claim loses
// to a concurrent writer the next candidate is tried, up to maxClaimAttempts.
// It returns nil when no operator could take the conversation.
func (e *Engine) claim(ctx context.Context, repo store.Repository, op string, conv *store.Conversation, prepare func(*store.Conversation)) (*claimed, error) {
	candidates, err := e.directory.Available(ctx, repo, conv.TenantID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < e.maxClaimAttempts; attempt++ {
		pick, ok := e.policy.SelectOperator(candidates)
		if !ok {
			return nil, nil
		}
		if err := repo.LockOperator(ctx, pick.Operator.ID); err != nil {
			return nil, fmt.Errorf("locking operator %s: %w", pick.Operator.ID, err)
		}

		next := e.lifecycle.assignTo(conv, pick.Operator.ID)
		if prepare != nil {
			prepare(next)
		}
		ok, err := e.lifecycle.Apply(ctx, repo, Change{
			Op:          op,
			Current:     conv,
			Next:        next,
			CapacityFor: pick.Operator.ID,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			return &claimed{conv: next, op: pick.Operator}, nil
		}

		// Lost the race: either the conversation moved or the operator filled up
		current, err := repo.GetConversation(ctx, conv.ID)
		if err != nil {
			return nil, notFound("conversation", conv.ID, err)
		}
		if current.Status != conv.Status {
			return nil, &StateError{Op: op, ConversationID: conv.ID, Status: current.Status}
		}
		e.logger.Debug("claim lost, trying next operator",
			"conversation_id", conv.ID,
			"operator_id", pick.Operator.ID,
			"attempt", attempt+1,
		)
		candidates = without(candidates, pick.Operator.ID)
	}
	return nil, nil
}

func without(candidates []store.OperatorLoad, operatorID string) []store.OperatorLoad {
	out := make([]store.OperatorLoad, 0, len(candidates))
	for _, c := range candidates {
		if c.Operator.ID != operatorID {
			out = append(out, c)
		}
	}
	return out
}

// position returns the 1-based place of conv in its tenant's queue.
func (e *Engine) position(ctx context.Context, repo store.Repository, conv *store.Conversation) (int, error) {
	waiting, err := e.queue.PeekOrdered(ctx, repo, conv.TenantID)
	if err != nil {
		return 0, err
	}
	for i, w := range waiting {
		if w.ID == conv.ID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// Drain assigns queued conversations to operators with free capacity, head of
// the queue first, until the queue is empty or no operator has room. It
// returns the conversations it assigned.
func (e *Engine) Drain(ctx context.Context, tenantID string) ([]*store.Conversation, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if err := sameTenant(id, tenantID); err != nil {
		return nil, err
	}

	var assigned []*store.Conversation
	err = e.run(ctx, func(u *unit) error {
		assigned = nil
		misses := 0
		for {
			head, err := e.queue.Head(ctx, u.repo, tenantID)
			if err != nil {
				return err
			}
			if head == nil {
				return nil
			}

			got, err := e.claim(ctx, u.repo, "drain", head, nil)
			var stateErr *StateError
			if errors.As(err, &stateErr) {
				// Someone else took the head; look again
				misses++
				if misses >= e.maxClaimAttempts {
					return nil
				}
				continue
			}
			if err != nil {
				return err
			}
			if got == nil {
				return nil
			}

			tr, err := e.ledger.CreatePending(ctx, u.repo, got.conv, got.op.ID, got.conv.Reason)
			if err != nil {
				return err
			}
			if _, err := e.lifecycle.Say(ctx, u.repo, got.conv, store.SenderSystem, "", msgConnecting(got.op.DisplayName)); err != nil {
				return err
			}
			ev := conversationEvent(events.HandoffAssigned, got.conv)
			ev.TransferID = tr.ID
			u.emit(ev)
			assigned = append(assigned, got.conv)
		}
	})
	if err != nil {
		return nil, err
	}

	if len(assigned) > 0 {
		e.logger.Info("queue drained", "tenant_id", tenantID, "assigned", len(assigned))
	}
	return assigned, nil
}

// ForceAssign assigns a bot or waiting conversation to a specific operator,
// bypassing the queue and the policy. It fails with ErrCapacity when the
// operator is full or not accepting work.
func (e *Engine) ForceAssign(ctx context.Context, conversationID, operatorID string) (*HandoffResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	var result *HandoffResult
	err = e.run(ctx, func(u *unit) error {
		conv, err := loadConversation(ctx, u.repo, id.TenantID, conversationID)
		if err != nil {
			return err
		}
		op, err := e.directory.Get(ctx, u.repo, id.TenantID, operatorID)
		if err != nil {
			return err
		}
		if err := e.lifecycle.Guard("force assign", conv, store.ConversationBot, store.ConversationWaiting); err != nil {
			return err
		}
		if err := u.repo.LockOperator(ctx, op.ID); err != nil {
			return fmt.Errorf("locking operator %s: %w", op.ID, err)
		}

		next := e.lifecycle.assignTo(conv, op.ID)
		ok, err := e.lifecycle.Apply(ctx, u.repo, Change{
			Op:          "force assign",
			Current:     conv,
			Next:        next,
			CapacityFor: op.ID,
		})
		if err != nil {
			return err
		}
		if !ok {
			current, err := u.repo.GetConversation(ctx, conv.ID)
			if err != nil {
				return notFound("conversation", conv.ID, err)
			}
			if current.Status != conv.Status {
				return &StateError{Op: "force assign", ConversationID: conv.ID, Status: current.Status}
			}
			return fmt.Errorf("operator %s: %w", op.ID, ErrCapacity)
		}

		reason := conv.Reason
		if reason == "" {
			reason = "assigned by " + id.UserID
		}
		tr, err := e.ledger.CreatePending(ctx, u.repo, next, op.ID, reason)
		if err != nil {
			return err
		}
		if _, err := e.lifecycle.Say(ctx, u.repo, next, store.SenderSystem, "", msgConnecting(op.DisplayName)); err != nil {
			return err
		}

		result = &HandoffResult{Status: HandoffAssigned, Conversation: next, Operator: op, Transfer: tr}
		ev := conversationEvent(events.HandoffAssigned, next)
		ev.TransferID = tr.ID
		u.emit(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("conversation force assigned",
		"conversation_id", conversationID,
		"operator_id", operatorID,
		"by", id.UserID,
	)
	return result, nil
}

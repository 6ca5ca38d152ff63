// ABOUTME: Operator-side lifecycle operations: accept, resolve, abandon and transfer expiry
// ABOUTME: Each mutates one conversation with a compare-and-set and keeps the transfer ledger in step

package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/store"
)

// Accept makes operatorID the active handler of a waiting or assigned
// conversation. Accepting a conversation already active with the same
// operator succeeds without changes; with another operator it is an
// invalid state.
func (e *Engine) Accept(ctx context.Context, conversationID, operatorID string) (*store.Conversation, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	var result *store.Conversation
	changed := false
	err = e.run(ctx, func(u *unit) error {
		conv, err := loadConversation(ctx, u.repo, id.TenantID, conversationID)
		if err != nil {
			return err
		}
		op, err := e.directory.Get(ctx, u.repo, id.TenantID, operatorID)
		if err != nil {
			return err
		}

		if conv.Status == store.ConversationActive {
			if conv.OperatorID != nil && *conv.OperatorID == op.ID {
				result = conv
				return nil
			}
			return &StateError{Op: "accept", ConversationID: conv.ID, Status: conv.Status}
		}
		if err := e.lifecycle.Guard("accept", conv, store.ConversationWaiting, store.ConversationAssigned); err != nil {
			return err
		}

		if err := u.repo.LockOperator(ctx, op.ID); err != nil {
			return fmt.Errorf("locking operator %s: %w", op.ID, err)
		}

		next := conv.Clone()
		next.Status = store.ConversationActive
		next.OperatorID = &op.ID
		next.HandledBy = &op.ID
		if conv.OperatorID == nil || *conv.OperatorID != op.ID || next.AssignedAt == nil {
			at := e.now()
			next.AssignedAt = &at
		}

		// An operator accepting explicitly may do so while busy, but never past capacity
		ok, err := e.lifecycle.Apply(ctx, u.repo, Change{
			Op:          "accept",
			Current:     conv,
			Next:        next,
			CapacityFor: op.ID,
			Force:       true,
		})
		if err != nil {
			return err
		}
		if !ok {
			current, err := u.repo.GetConversation(ctx, conv.ID)
			if err != nil {
				return notFound("conversation", conv.ID, err)
			}
			if current.Status == conv.Status {
				return fmt.Errorf("operator %s: %w", op.ID, ErrCapacity)
			}
			if current.Status == store.ConversationActive && current.OperatorID != nil && *current.OperatorID == op.ID {
				result = current
				return nil
			}
			return &StateError{Op: "accept", ConversationID: conv.ID, Status: current.Status}
		}

		tr, err := e.acceptTransfer(ctx, u.repo, next, op.ID)
		if err != nil {
			return err
		}
		if _, err := e.lifecycle.Say(ctx, u.repo, next, store.SenderOperator, op.ID, msgGreeting(op.DisplayName)); err != nil {
			return err
		}

		result = next
		changed = true
		ev := conversationEvent(events.ConversationAccepted, next)
		ev.TransferID = tr.ID
		u.emit(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		e.logger.Info("conversation accepted", "conversation_id", conversationID, "operator_id", operatorID)
	}
	return result, nil
}

// acceptTransfer marks the transfer to operatorID accepted. A pending transfer
// to someone else is superseded, and one is recorded if none was pending.
func (e *Engine) acceptTransfer(ctx context.Context, repo store.Repository, conv *store.Conversation, operatorID string) (*store.Transfer, error) {
	tr, err := e.ledger.Pending(ctx, repo, conv.ID)
	if err != nil {
		return nil, err
	}
	if tr != nil && tr.ToOperatorID == operatorID {
		ok, err := e.ledger.MarkAccepted(ctx, repo, tr)
		if err != nil {
			return nil, err
		}
		if ok {
			return tr, nil
		}
	}

	tr, err = e.ledger.CreatePending(ctx, repo, conv, operatorID, conv.Reason)
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.MarkAccepted(ctx, repo, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// Resolve closes an assigned or active conversation, records the optional
// rating (1 to 5) and credits the operator with a resolution.
func (e *Engine) Resolve(ctx context.Context, conversationID string, rating *int) (*store.Conversation, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if rating != nil && (*rating < 1 || *rating > 5) {
		return nil, invalidArgument("rating must be between 1 and 5, got %d", *rating)
	}

	var result *store.Conversation
	err = e.run(ctx, func(u *unit) error {
		conv, err := loadConversation(ctx, u.repo, id.TenantID, conversationID)
		if err != nil {
			return err
		}
		if err := e.lifecycle.Guard("resolve", conv, store.ConversationAssigned, store.ConversationActive); err != nil {
			return err
		}

		next := e.lifecycle.close(conv, store.CloseResolved)
		if rating != nil {
			r := *rating
			next.Rating = &r
		}
		ok, err := e.lifecycle.Apply(ctx, u.repo, Change{Op: "resolve", Current: conv, Next: next})
		if err != nil {
			return err
		}
		if !ok {
			return e.lifecycle.Conflict(ctx, u.repo, "resolve", conv.ID)
		}

		if _, err := e.ledger.ExpirePending(ctx, u.repo, conv.ID); err != nil {
			return err
		}
		if err := u.repo.IncrementOperatorResolved(ctx, *next.HandledBy, e.now()); err != nil {
			return fmt.Errorf("crediting operator %s: %w", *next.HandledBy, err)
		}
		if _, err := e.lifecycle.Say(ctx, u.repo, next, store.SenderSystem, "", msgResolved); err != nil {
			return err
		}

		result = next
		u.emit(conversationEvent(events.ConversationResolved, next))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("conversation resolved", "conversation_id", conversationID, "operator_id", *result.HandledBy)
	return result, nil
}

// Abandon closes a conversation the visitor walked away from. The operator,
// if any, is released without being credited a resolution.
func (e *Engine) Abandon(ctx context.Context, conversationID string) (*store.Conversation, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	var result *store.Conversation
	err = e.run(ctx, func(u *unit) error {
		conv, err := loadConversation(ctx, u.repo, id.TenantID, conversationID)
		if err != nil {
			return err
		}
		if err := e.lifecycle.Guard("abandon", conv,
			store.ConversationBot, store.ConversationWaiting, store.ConversationAssigned, store.ConversationActive,
		); err != nil {
			return err
		}

		next := e.lifecycle.close(conv, store.CloseAbandoned)
		ok, err := e.lifecycle.Apply(ctx, u.repo, Change{Op: "abandon", Current: conv, Next: next})
		if err != nil {
			return err
		}
		if !ok {
			return e.lifecycle.Conflict(ctx, u.repo, "abandon", conv.ID)
		}

		if _, err := e.ledger.ExpirePending(ctx, u.repo, conv.ID); err != nil {
			return err
		}
		if _, err := e.lifecycle.Say(ctx, u.repo, next, store.SenderSystem, "", msgAbandoned); err != nil {
			return err
		}

		result = next
		u.emit(conversationEvent(events.ConversationAbandoned, next))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("conversation abandoned", "conversation_id", conversationID)
	return result, nil
}

// errSuperseded rolls back an expiry whose conversation moved on concurrently.
var errSuperseded = errors.New("superseded")

// ExpireStaleTransfers expires transfers that stayed pending longer than the
// transfer timeout, across all tenants. A conversation still assigned to the
// unresponsive operator goes back to the queue, keeping its original queue
// time. It returns the number of transfers expired.
func (e *Engine) ExpireStaleTransfers(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.transferTimeout)
	stale, err := e.ledger.ExpiredBefore(ctx, e.store, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, tr := range stale {
		done := false
		err := e.run(ctx, func(u *unit) error {
			done = false
			ok, err := e.ledger.MarkExpired(ctx, u.repo, tr)
			if err != nil || !ok {
				return err
			}
			done = true
			u.emit(events.Event{
				Type:           events.TransferExpired,
				TenantID:       tr.TenantID,
				ConversationID: tr.ConversationID,
				OperatorID:     tr.ToOperatorID,
				TransferID:     tr.ID,
				Status:         string(store.TransferExpired),
			})

			conv, err := u.repo.GetConversation(ctx, tr.ConversationID)
			if err != nil {
				return notFound("conversation", tr.ConversationID, err)
			}
			if conv.Status != store.ConversationAssigned || conv.OperatorID == nil || *conv.OperatorID != tr.ToOperatorID {
				return nil
			}

			next := conv.Clone()
			next.Status = store.ConversationWaiting
			next.OperatorID = nil
			next.AssignedAt = nil
			if next.QueuedAt == nil {
				at := e.now()
				next.QueuedAt = &at
			}
			ok, err = e.lifecycle.Apply(ctx, u.repo, Change{Op: "expire transfer", Current: conv, Next: next})
			if err != nil {
				return err
			}
			if !ok {
				return errSuperseded
			}
			if _, err := e.lifecycle.Say(ctx, u.repo, next, store.SenderSystem, "", msgExpired); err != nil {
				return err
			}
			u.emit(conversationEvent(events.HandoffQueued, next))
			return nil
		})
		if errors.Is(err, errSuperseded) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expiring transfer %s: %w", tr.ID, err)
		}
		if done {
			expired++
			e.logger.Info("transfer expired",
				"transfer_id", tr.ID,
				"conversation_id", tr.ConversationID,
				"operator_id", tr.ToOperatorID,
			)
		}
	}
	return expired, nil
}

// ABOUTME: Per-tenant handoff queue of waiting conversations
// ABOUTME: The queue is the set of waiting rows; ordering is priority first, then queue time

package routing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/2389/handoff-gateway/internal/store"
)

// Queue moves conversations into the waiting set and reads it back in service order.
// It knows nothing about operators or capacity.
type Queue struct {
	lifecycle *Lifecycle
}

// Enqueue moves a bot conversation to waiting. It returns the stored row, or
// a StateError if the conversation left bot concurrently.
func (q *Queue) Enqueue(ctx context.Context, repo store.Repository, conv *store.Conversation, reason string, priority store.Priority, at time.Time) (*store.Conversation, error) {
	next := conv.Clone()
	next.Status = store.ConversationWaiting
	next.Reason = reason
	next.Priority = priority
	next.QueuedAt = &at

	ok, err := q.lifecycle.Apply(ctx, repo, Change{Op: "enqueue", Current: conv, Next: next})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, q.lifecycle.Conflict(ctx, repo, "enqueue", conv.ID)
	}
	return next, nil
}

// PeekOrdered returns the tenant's waiting conversations in service order.
func (q *Queue) PeekOrdered(ctx context.Context, repo store.Repository, tenantID string) ([]*store.Conversation, error) {
	return q.peek(ctx, repo, tenantID, 0)
}

// Head returns the next conversation to serve, or nil when the queue is empty.
func (q *Queue) Head(ctx context.Context, repo store.Repository, tenantID string) (*store.Conversation, error) {
	convs, err := q.peek(ctx, repo, tenantID, 1)
	if err != nil || len(convs) == 0 {
		return nil, err
	}
	return convs[0], nil
}

func (q *Queue) peek(ctx context.Context, repo store.Repository, tenantID string, limit int) ([]*store.Conversation, error) {
	convs, err := repo.ListConversations(ctx, store.ConversationFilter{
		TenantID: tenantID,
		Statuses: []store.ConversationStatus{store.ConversationWaiting},
		Order:    store.OrderQueue,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing waiting conversations: %w", err)
	}
	return convs, nil
}

// Order sorts conversations into service order in place: higher priority
// first, then earlier queue time, then earlier start. Ties keep input order.
func Order(convs []*store.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if qa, qb := queueTime(a), queueTime(b); !qa.Equal(qb) {
			return qa.Before(qb)
		}
		return a.StartedAt.Before(b.StartedAt)
	})
}

// queueTime falls back to the start time for rows that were never stamped.
func queueTime(c *store.Conversation) time.Time {
	if c.QueuedAt != nil {
		return *c.QueuedAt
	}
	return c.StartedAt
}

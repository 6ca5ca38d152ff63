// ABOUTME: Transfer ledger: the audit trail of bot-to-operator handoffs
// ABOUTME: At most one transfer per conversation is pending; status moves only from pending

package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/store"
)

// Ledger records transfers.
type Ledger struct {
	now func() time.Time
}

// CreatePending records a new pending transfer to operatorID. Any transfer
// still pending for the conversation is expired first.
func (l *Ledger) CreatePending(ctx context.Context, repo store.Repository, conv *store.Conversation, operatorID, reason string) (*store.Transfer, error) {
	if _, err := l.ExpirePending(ctx, repo, conv.ID); err != nil {
		return nil, err
	}

	tr := &store.Transfer{
		ID:             uuid.New().String(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		FromType:       store.TransferFromBot,
		ToOperatorID:   operatorID,
		Reason:         reason,
		Status:         store.TransferPending,
		CreatedAt:      l.now(),
	}
	if err := repo.CreateTransfer(ctx, tr); err != nil {
		return nil, fmt.Errorf("creating transfer: %w", err)
	}
	return tr, nil
}

// Pending returns the conversation's pending transfer, or nil.
func (l *Ledger) Pending(ctx context.Context, repo store.Repository, conversationID string) (*store.Transfer, error) {
	tr, err := repo.GetPendingTransfer(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading pending transfer: %w", err)
	}
	return tr, nil
}

// MarkAccepted moves a pending transfer to accepted. It returns false if the
// transfer was no longer pending.
func (l *Ledger) MarkAccepted(ctx context.Context, repo store.Repository, tr *store.Transfer) (bool, error) {
	return l.mark(ctx, repo, tr, store.TransferAccepted)
}

// MarkExpired moves a pending transfer to expired. It returns false if the
// transfer was no longer pending.
func (l *Ledger) MarkExpired(ctx context.Context, repo store.Repository, tr *store.Transfer) (bool, error) {
	return l.mark(ctx, repo, tr, store.TransferExpired)
}

func (l *Ledger) mark(ctx context.Context, repo store.Repository, tr *store.Transfer, to store.TransferStatus) (bool, error) {
	at := l.now()
	ok, err := repo.TransitionTransfer(ctx, tr.ID, store.TransferPending, to, at)
	if err != nil {
		return false, fmt.Errorf("marking transfer %s %s: %w", tr.ID, to, err)
	}
	if ok {
		tr.Status = to
		switch to {
		case store.TransferAccepted:
			tr.AcceptedAt = &at
		case store.TransferExpired:
			tr.ExpiredAt = &at
		}
	}
	return ok, nil
}

// ExpirePending expires the conversation's pending transfer if there is one
// and returns it.
func (l *Ledger) ExpirePending(ctx context.Context, repo store.Repository, conversationID string) (*store.Transfer, error) {
	tr, err := l.Pending(ctx, repo, conversationID)
	if err != nil || tr == nil {
		return nil, err
	}
	if _, err := l.MarkExpired(ctx, repo, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// ExpiredBefore lists pending transfers created before cutoff across all tenants.
func (l *Ledger) ExpiredBefore(ctx context.Context, repo store.Repository, cutoff time.Time) ([]*store.Transfer, error) {
	trs, err := repo.ListTransfers(ctx, store.TransferFilter{
		Status:        store.TransferPending,
		CreatedBefore: &cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("listing stale transfers: %w", err)
	}
	return trs, nil
}

// List returns a conversation's transfers, oldest first.
func (l *Ledger) List(ctx context.Context, repo store.Repository, tenantID, conversationID string) ([]*store.Transfer, error) {
	trs, err := repo.ListTransfers(ctx, store.TransferFilter{
		TenantID:       tenantID,
		ConversationID: conversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	return trs, nil
}

// ABOUTME: Operator directory: profiles, availability and per-operator stats
// ABOUTME: Load is always derived from assigned/active conversations, never stored

package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/store"
)

// DefaultMaxConcurrent is the capacity given to operators created without one.
const DefaultMaxConcurrent = 3

// defaultRating is reported for operators with no rated conversations.
const defaultRating = 5.0

// OperatorFields are the mutable profile fields. Nil means unchanged.
type OperatorFields struct {
	DisplayName   *string
	MaxConcurrent *int
	Status        *store.OperatorStatus
	Settings      map[string]any
}

// OperatorStats summarizes an operator's workload and track record.
type OperatorStats struct {
	OperatorID    string  `json:"operator_id"`
	ActiveChats   int     `json:"active_chats"`
	TotalResolved int     `json:"total_resolved"`
	AverageRating float64 `json:"average_rating"`
	RatedChats    int     `json:"rated_chats"`
}

// Directory manages operator profiles.
type Directory struct {
	now                  func() time.Time
	defaultMaxConcurrent int
}

// Upsert creates the user's operator profile in tenantID, or updates it.
// A profile that already belongs to another tenant is never moved.
func (d *Directory) Upsert(ctx context.Context, repo store.Repository, tenantID, userID string, fields OperatorFields) (*store.Operator, error) {
	if err := fields.validate(); err != nil {
		return nil, err
	}

	op, err := repo.GetOperatorByUser(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return d.create(ctx, repo, tenantID, userID, fields)
	case err != nil:
		return nil, fmt.Errorf("loading operator for user %s: %w", userID, err)
	}

	if op.TenantID != tenantID {
		return nil, fmt.Errorf("operator %s: %w", op.ID, ErrTenantMismatch)
	}

	if fields.DisplayName != nil {
		op.DisplayName = *fields.DisplayName
	}
	if fields.MaxConcurrent != nil {
		op.MaxConcurrent = *fields.MaxConcurrent
	}
	if fields.Status != nil {
		op.Status = *fields.Status
	}
	if fields.Settings != nil {
		op.Settings = fields.Settings
	}
	op.UpdatedAt = d.now()

	if err := repo.UpdateOperator(ctx, op); err != nil {
		return nil, fmt.Errorf("updating operator %s: %w", op.ID, err)
	}
	return op, nil
}

func (d *Directory) create(ctx context.Context, repo store.Repository, tenantID, userID string, fields OperatorFields) (*store.Operator, error) {
	now := d.now()
	op := &store.Operator{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		UserID:        userID,
		DisplayName:   userID,
		Status:        store.OperatorOffline,
		MaxConcurrent: d.defaultMaxConcurrent,
		Settings:      fields.Settings,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if op.MaxConcurrent <= 0 {
		op.MaxConcurrent = DefaultMaxConcurrent
	}
	if fields.DisplayName != nil {
		op.DisplayName = *fields.DisplayName
	}
	if fields.MaxConcurrent != nil {
		op.MaxConcurrent = *fields.MaxConcurrent
	}
	if fields.Status != nil {
		op.Status = *fields.Status
	}

	if err := repo.CreateOperator(ctx, op); err != nil {
		return nil, fmt.Errorf("creating operator for user %s: %w", userID, err)
	}
	return op, nil
}

func (f OperatorFields) validate() error {
	if f.DisplayName != nil && *f.DisplayName == "" {
		return invalidArgument("display name must not be empty")
	}
	if f.MaxConcurrent != nil && *f.MaxConcurrent < 1 {
		return invalidArgument("max concurrent must be at least 1, got %d", *f.MaxConcurrent)
	}
	if f.Status != nil && !f.Status.Valid() {
		return invalidArgument("unknown operator status %q", *f.Status)
	}
	return nil
}

// Get loads an operator and checks it belongs to tenantID.
func (d *Directory) Get(ctx context.Context, repo store.Repository, tenantID, operatorID string) (*store.Operator, error) {
	op, err := repo.GetOperator(ctx, operatorID)
	if err != nil {
		return nil, notFound("operator", operatorID, err)
	}
	if op.TenantID != tenantID {
		return nil, fmt.Errorf("operator %s: %w", operatorID, ErrTenantMismatch)
	}
	return op, nil
}

// SetStatus changes an operator's availability. Load is unaffected; an
// operator going offline keeps the conversations it already holds.
func (d *Directory) SetStatus(ctx context.Context, repo store.Repository, tenantID, operatorID string, status store.OperatorStatus) (*store.Operator, error) {
	if !status.Valid() {
		return nil, invalidArgument("unknown operator status %q", status)
	}
	op, err := d.Get(ctx, repo, tenantID, operatorID)
	if err != nil {
		return nil, err
	}
	now := d.now()
	if err := repo.SetOperatorStatus(ctx, op.ID, status, now); err != nil {
		return nil, fmt.Errorf("setting operator %s status: %w", op.ID, err)
	}
	op.Status = status
	op.UpdatedAt = now
	return op, nil
}

// List returns all of the tenant's operators with their load, insertion order.
func (d *Directory) List(ctx context.Context, repo store.Repository, tenantID string) ([]store.OperatorLoad, error) {
	ops, err := repo.ListOperators(ctx, store.OperatorFilter{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("listing operators: %w", err)
	}
	loads, err := repo.OperatorLoads(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("loading operator loads: %w", err)
	}

	out := make([]store.OperatorLoad, 0, len(ops))
	for _, op := range ops {
		out = append(out, store.OperatorLoad{Operator: op, CurrentLoad: loads[op.ID]})
	}
	return out, nil
}

// Available returns the tenant's operators that can take another
// conversation right now, in insertion order.
func (d *Directory) Available(ctx context.Context, repo store.Repository, tenantID string) ([]store.OperatorLoad, error) {
	all, err := d.List(ctx, repo, tenantID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if Eligible(c.Operator, c.CurrentLoad) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Stats reports an operator's current load, resolved count and mean rating.
func (d *Directory) Stats(ctx context.Context, repo store.Repository, tenantID, operatorID string) (*OperatorStats, error) {
	op, err := d.Get(ctx, repo, tenantID, operatorID)
	if err != nil {
		return nil, err
	}
	load, err := repo.OperatorLoad(ctx, op.ID)
	if err != nil {
		return nil, fmt.Errorf("loading operator load: %w", err)
	}
	count, sum, err := repo.RatingSummary(ctx, op.ID)
	if err != nil {
		return nil, fmt.Errorf("loading ratings: %w", err)
	}

	stats := &OperatorStats{
		OperatorID:    op.ID,
		ActiveChats:   load,
		TotalResolved: op.TotalResolved,
		AverageRating: defaultRating,
		RatedChats:    count,
	}
	if count > 0 {
		stats.AverageRating = float64(sum) / float64(count)
	}
	return stats, nil
}

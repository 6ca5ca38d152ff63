// ABOUTME: Engine operations over the operator directory
// ABOUTME: All are scoped to the caller's tenant

package routing

import (
	"context"

	"github.com/2389/handoff-gateway/internal/events"
	"github.com/2389/handoff-gateway/internal/store"
)

// UpsertOperator creates or updates the caller's own operator profile in the
// caller's tenant.
func (e *Engine) UpsertOperator(ctx context.Context, fields OperatorFields) (*store.Operator, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if id.UserID == "" {
		return nil, invalidArgument("user id is required")
	}

	var op *store.Operator
	err = e.run(ctx, func(u *unit) error {
		if err := e.ensureTenant(ctx, u.repo, id.TenantID); err != nil {
			return err
		}
		op, err = e.directory.Upsert(ctx, u.repo, id.TenantID, id.UserID, fields)
		if err != nil {
			return err
		}
		if fields.Status != nil {
			u.emit(operatorEvent(op))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// SetOperatorStatus changes an operator's availability.
func (e *Engine) SetOperatorStatus(ctx context.Context, operatorID string, status store.OperatorStatus) (*store.Operator, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	var op *store.Operator
	err = e.run(ctx, func(u *unit) error {
		op, err = e.directory.SetStatus(ctx, u.repo, id.TenantID, operatorID, status)
		if err != nil {
			return err
		}
		u.emit(operatorEvent(op))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("operator status changed", "operator_id", operatorID, "status", status)
	return op, nil
}

// ListOperators returns every operator of the caller's tenant with its load.
func (e *Engine) ListOperators(ctx context.Context) ([]store.OperatorLoad, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	return e.directory.List(ctx, e.store, id.TenantID)
}

// AvailableOperators returns the tenant's operators that can take another
// conversation, each with its current load.
func (e *Engine) AvailableOperators(ctx context.Context, tenantID string) ([]store.OperatorLoad, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if err := sameTenant(id, tenantID); err != nil {
		return nil, err
	}
	return e.directory.Available(ctx, e.store, tenantID)
}

// OperatorStats reports an operator's load, resolutions and mean rating.
func (e *Engine) OperatorStats(ctx context.Context, operatorID string) (*OperatorStats, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	return e.directory.Stats(ctx, e.store, id.TenantID, operatorID)
}

// OperatorForUser returns the caller's operator profile.
func (e *Engine) OperatorForUser(ctx context.Context) (*store.Operator, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	op, err := e.store.GetOperatorByUser(ctx, id.UserID)
	if err != nil {
		return nil, notFound("operator for user", id.UserID, err)
	}
	if op.TenantID != id.TenantID {
		return nil, &NotFoundError{Entity: "operator for user", ID: id.UserID}
	}
	return op, nil
}

func operatorEvent(op *store.Operator) events.Event {
	return events.Event{
		Type:       events.OperatorStatusChanged,
		TenantID:   op.TenantID,
		OperatorID: op.ID,
		Status:     string(op.Status),
		At:         op.UpdatedAt,
	}
}

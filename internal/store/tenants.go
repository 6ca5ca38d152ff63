// ABOUTME: Tenant persistence for the SQL store
// ABOUTME: Tenants are the isolation boundary; they are created once and never modified here

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateTenant inserts a tenant. Returns ErrDuplicate if the ID is taken.
func (r *sqlRepo) CreateTenant(ctx context.Context, tenant *Tenant) error {
	_, err := r.exec(ctx, `
		INSERT INTO tenants (id, name, created_at)
		VALUES (?, ?, ?)
	`, tenant.ID, tenant.Name, formatTime(tenant.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}

	r.logger.Debug("created tenant", "id", tenant.ID, "name", tenant.Name)
	return nil
}

// GetTenant retrieves a tenant by ID.
// Returns ErrNotFound if the tenant doesn't exist.
func (r *sqlRepo) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var createdAt string

	err := r.queryRow(ctx, `SELECT id, name, created_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}

	t.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}

// TenantsWithWaiting returns the IDs of tenants that have at least one waiting
// conversation. Used by the drain scheduler only.
func (r *sqlRepo) TenantsWithWaiting(ctx context.Context) ([]string, error) {
	rows, err := r.query(ctx, `
		SELECT DISTINCT tenant_id FROM conversations WHERE status = ? ORDER BY tenant_id
	`, ConversationWaiting)
	if err != nil {
		return nil, fmt.Errorf("querying waiting tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant rows: %w", err)
	}
	return ids, nil
}

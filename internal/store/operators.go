// ABOUTME: Operator persistence and load queries for the SQL store
// ABOUTME: Load is always derived from conversations, never stored on the operator row

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const operatorColumns = `id, tenant_id, user_id, display_name, status, max_concurrent,
	total_resolved, settings_json, created_at, updated_at`

// CreateOperator inserts a new operator profile.
// Returns ErrDuplicate if the user already has a profile.
func (r *sqlRepo) CreateOperator(ctx context.Context, op *Operator) error {
	settings, err := marshalSettings(op.Settings)
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO operators (id, tenant_id, user_id, display_name, status, max_concurrent,
			total_resolved, settings_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID,
		op.TenantID,
		op.UserID,
		op.DisplayName,
		op.Status,
		op.MaxConcurrent,
		op.TotalResolved,
		settings,
		formatTime(op.CreatedAt),
		formatTime(op.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting operator: %w", err)
	}

	r.logger.Debug("created operator", "id", op.ID, "tenant_id", op.TenantID)
	return nil
}

// GetOperator retrieves an operator by ID.
// Returns ErrNotFound if the operator doesn't exist.
func (r *sqlRepo) GetOperator(ctx context.Context, id string) (*Operator, error) {
	row := r.queryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = ?`, id)
	return scanOperator(row)
}

// GetOperatorByUser retrieves the operator profile owned by a user.
// Returns ErrNotFound if the user has no profile.
func (r *sqlRepo) GetOperatorByUser(ctx context.Context, userID string) (*Operator, error) {
	row := r.queryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE user_id = ?`, userID)
	return scanOperator(row)
}

// UpdateOperator writes the mutable profile fields. Tenant and user are immutable.
// Returns ErrNotFound if the operator doesn't exist.
func (r *sqlRepo) UpdateOperator(ctx context.Context, op *Operator) error {
	settings, err := marshalSettings(op.Settings)
	if err != nil {
		return err
	}

	result, err := r.exec(ctx, `
		UPDATE operators
		SET display_name = ?, status = ?, max_concurrent = ?, settings_json = ?, updated_at = ?
		WHERE id = ?
	`, op.DisplayName, op.Status, op.MaxConcurrent, settings, formatTime(op.UpdatedAt), op.ID)
	if err != nil {
		return fmt.Errorf("updating operator: %w", err)
	}
	return requireAffected(result)
}

// SetOperatorStatus changes only the presence status.
func (r *sqlRepo) SetOperatorStatus(ctx context.Context, id string, status OperatorStatus, at time.Time) error {
	result, err := r.exec(ctx, `
		UPDATE operators SET status = ?, updated_at = ? WHERE id = ?
	`, status, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("updating operator status: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	r.logger.Debug("operator status changed", "id", id, "status", status)
	return nil
}

// IncrementOperatorResolved bumps the resolved-conversations counter.
func (r *sqlRepo) IncrementOperatorResolved(ctx context.Context, id string, at time.Time) error {
	result, err := r.exec(ctx, `
		UPDATE operators SET total_resolved = total_resolved + 1, updated_at = ? WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("incrementing resolved count: %w", err)
	}
	return requireAffected(result)
}

// ListOperators returns operators in insertion order.
func (r *sqlRepo) ListOperators(ctx context.Context, filter OperatorFilter) ([]*Operator, error) {
	var conditions []string
	var args []any

	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}

	query := `SELECT ` + operatorColumns + ` FROM operators`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying operators: %w", err)
	}
	defer rows.Close()

	var ops []*Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operator rows: %w", err)
	}
	return ops, nil
}

// OperatorLoads counts assigned and active conversations per operator of a tenant.
// Operators with no load are absent from the map.
func (r *sqlRepo) OperatorLoads(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := r.query(ctx, `
		SELECT operator_id, COUNT(*)
		FROM conversations
		WHERE tenant_id = ? AND status IN (?, ?) AND operator_id IS NOT NULL
		GROUP BY operator_id
	`, tenantID, ConversationAssigned, ConversationActive)
	if err != nil {
		return nil, fmt.Errorf("querying operator loads: %w", err)
	}
	defer rows.Close()

	loads := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scanning load row: %w", err)
		}
		loads[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating load rows: %w", err)
	}
	return loads, nil
}

// OperatorLoad counts assigned and active conversations for one operator.
func (r *sqlRepo) OperatorLoad(ctx context.Context, operatorID string) (int, error) {
	var n int
	err := r.queryRow(ctx, `
		SELECT COUNT(*) FROM conversations WHERE operator_id = ? AND status IN (?, ?)
	`, operatorID, ConversationAssigned, ConversationActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("querying operator load: %w", err)
	}
	return n, nil
}

// LockOperator takes a row lock on the operator for the rest of the
// transaction. SQLite transactions already hold the database write lock, so
// there it only checks existence.
func (r *sqlRepo) LockOperator(ctx context.Context, id string) error {
	var got string
	err := r.queryRow(ctx, `SELECT id FROM operators WHERE id = ?`+r.dialect.lockSuffix, id).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("locking operator: %w", err)
	}
	return nil
}

// RatingSummary returns how many rated conversations an operator resolved and the rating total.
func (r *sqlRepo) RatingSummary(ctx context.Context, operatorID string) (int, int, error) {
	var count, sum int
	err := r.queryRow(ctx, `
		SELECT COUNT(rating), COALESCE(SUM(rating), 0)
		FROM conversations
		WHERE handled_by = ? AND status = ? AND rating IS NOT NULL
	`, operatorID, ConversationResolved).Scan(&count, &sum)
	if err != nil {
		return 0, 0, fmt.Errorf("querying rating summary: %w", err)
	}
	return count, sum, nil
}

func scanOperator(row scanner) (*Operator, error) {
	var op Operator
	var settings sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&op.ID,
		&op.TenantID,
		&op.UserID,
		&op.DisplayName,
		&op.Status,
		&op.MaxConcurrent,
		&op.TotalResolved,
		&settings,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning operator: %w", err)
	}

	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &op.Settings); err != nil {
			return nil, fmt.Errorf("decoding operator settings: %w", err)
		}
	}
	if op.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if op.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &op, nil
}

func marshalSettings(settings map[string]any) (any, error) {
	if len(settings) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshaling operator settings: %w", err)
	}
	return string(data), nil
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ABOUTME: Transfer ledger persistence for the SQL store
// ABOUTME: Transfers only move pending -> accepted or pending -> expired, guarded by a conditional update

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const transferColumns = `id, tenant_id, conversation_id, from_type, to_operator_id, reason,
	status, created_at, accepted_at, expired_at`

// CreateTransfer inserts a transfer. A second pending transfer for the same
// conversation violates the partial unique index and returns ErrDuplicate.
func (r *sqlRepo) CreateTransfer(ctx context.Context, tr *Transfer) error {
	_, err := r.exec(ctx, `
		INSERT INTO transfers (id, tenant_id, conversation_id, from_type, to_operator_id, reason,
			status, created_at, accepted_at, expired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tr.ID,
		tr.TenantID,
		tr.ConversationID,
		tr.FromType,
		tr.ToOperatorID,
		tr.Reason,
		tr.Status,
		formatTime(tr.CreatedAt),
		nullTime(tr.AcceptedAt),
		nullTime(tr.ExpiredAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting transfer: %w", err)
	}

	r.logger.Debug("created transfer", "id", tr.ID, "conversation_id", tr.ConversationID, "to", tr.ToOperatorID)
	return nil
}

// GetTransfer retrieves a transfer by ID.
// Returns ErrNotFound if the transfer doesn't exist.
func (r *sqlRepo) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	row := r.queryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	return scanTransfer(row)
}

// GetPendingTransfer returns the pending transfer of a conversation.
// Returns ErrNotFound if there is none.
func (r *sqlRepo) GetPendingTransfer(ctx context.Context, conversationID string) (*Transfer, error) {
	row := r.queryRow(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE conversation_id = ? AND status = ?
	`, conversationID, TransferPending)
	return scanTransfer(row)
}

// ListTransfers returns transfers matching the filter, oldest first.
func (r *sqlRepo) ListTransfers(ctx context.Context, filter TransferFilter) ([]*Transfer, error) {
	var conditions []string
	var args []any

	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ConversationID != "" {
		conditions = append(conditions, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.CreatedBefore != nil {
		conditions = append(conditions, "created_at < ?")
		args = append(args, formatTime(*filter.CreatedBefore))
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transfer rows: %w", err)
	}
	return transfers, nil
}

// TransitionTransfer moves a transfer from one status to another, stamping
// accepted_at or expired_at. Returns false if the stored status was not from.
func (r *sqlRepo) TransitionTransfer(ctx context.Context, id string, from, to TransferStatus, at time.Time) (bool, error) {
	var column string
	switch to {
	case TransferAccepted:
		column = "accepted_at"
	case TransferExpired:
		column = "expired_at"
	default:
		return false, fmt.Errorf("invalid transfer target status %q", to)
	}

	result, err := r.exec(ctx, `
		UPDATE transfers SET status = ?, `+column+` = ? WHERE id = ? AND status = ?
	`, to, formatTime(at), id, from)
	if err != nil {
		return false, fmt.Errorf("updating transfer: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		r.logger.Debug("transfer transitioned", "id", id, "from", from, "to", to)
	}
	return rowsAffected > 0, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var tr Transfer
	var createdAt string
	var acceptedAt, expiredAt sql.NullString

	err := row.Scan(
		&tr.ID,
		&tr.TenantID,
		&tr.ConversationID,
		&tr.FromType,
		&tr.ToOperatorID,
		&tr.Reason,
		&tr.Status,
		&createdAt,
		&acceptedAt,
		&expiredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning transfer: %w", err)
	}

	if tr.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if tr.AcceptedAt, err = parseNullTime(acceptedAt); err != nil {
		return nil, fmt.Errorf("parsing accepted_at: %w", err)
	}
	if tr.ExpiredAt, err = parseNullTime(expiredAt); err != nil {
		return nil, fmt.Errorf("parsing expired_at: %w", err)
	}
	return &tr, nil
}

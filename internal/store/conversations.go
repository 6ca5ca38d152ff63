// ABOUTME: Conversation persistence for the SQL store, including the conditional transition update
// ABOUTME: Capacity and status guards are evaluated inside the UPDATE so concurrent claims cannot both win

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const conversationColumns = `id, tenant_id, visitor_id, status, priority, operator_id, handled_by,
	reason, started_at, queued_at, assigned_at, closed_at, close_reason, rating, updated_at`

// priorityRankSQL mirrors Priority.Rank
const priorityRankSQL = `CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'low' THEN 0 ELSE 1 END`

// CreateConversation inserts a new conversation.
func (r *sqlRepo) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := r.exec(ctx, `
		INSERT INTO conversations (id, tenant_id, visitor_id, status, priority, operator_id, handled_by,
			reason, started_at, queued_at, assigned_at, closed_at, close_reason, rating, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.TenantID,
		conv.VisitorID,
		conv.Status,
		conv.Priority,
		nullStringPtr(conv.OperatorID),
		nullStringPtr(conv.HandledBy),
		conv.Reason,
		formatTime(conv.StartedAt),
		nullTime(conv.QueuedAt),
		nullTime(conv.AssignedAt),
		nullTime(conv.ClosedAt),
		conv.CloseReason,
		nullIntPtr(conv.Rating),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	r.logger.Debug("created conversation", "id", conv.ID, "tenant_id", conv.TenantID, "status", conv.Status)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (r *sqlRepo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := r.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns conversations matching the filter in the requested order.
func (r *sqlRepo) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
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
	if filter.OperatorID != "" {
		conditions = append(conditions, "operator_id = ?")
		args = append(args, filter.OperatorID)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	switch filter.Order {
	case OrderQueue:
		query += " ORDER BY " + priorityRankSQL + " DESC, COALESCE(queued_at, started_at) ASC, started_at ASC, seq ASC"
	default:
		query += " ORDER BY started_at ASC, seq ASC"
	}

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// TransitionConversation writes t.Next over the stored row if the stored status
// is one of t.From and, when t.CapacityFor is set, the operator still has room.
// Returns false without error when the guard did not hold.
func (r *sqlRepo) TransitionConversation(ctx context.Context, t Transition) (bool, error) {
	if t.Next == nil || len(t.From) == 0 {
		return false, errors.New("transition needs a target row and at least one source status")
	}
	next := t.Next

	args := []any{
		next.Status,
		next.Priority,
		nullStringPtr(next.OperatorID),
		nullStringPtr(next.HandledBy),
		next.Reason,
		nullTime(next.QueuedAt),
		nullTime(next.AssignedAt),
		nullTime(next.ClosedAt),
		next.CloseReason,
		nullIntPtr(next.Rating),
		formatTime(next.UpdatedAt),
		next.ID,
	}
	for _, st := range t.From {
		args = append(args, st)
	}

	query := `
		UPDATE conversations
		SET status = ?, priority = ?, operator_id = ?, handled_by = ?, reason = ?,
			queued_at = ?, assigned_at = ?, closed_at = ?, close_reason = ?, rating = ?, updated_at = ?
		WHERE id = ? AND status IN (` + placeholders(len(t.From)) + `)`

	if t.CapacityFor != "" {
		query += `
		AND EXISTS (
			SELECT 1 FROM operators o
			WHERE o.id = ?
			AND o.tenant_id = conversations.tenant_id`
		args = append(args, t.CapacityFor)
		if !t.Force {
			query += `
			AND o.status IN (?, ?)`
			args = append(args, OperatorOnline, OperatorAway)
		}
		query += `
			AND (
				SELECT COUNT(*) FROM conversations c
				WHERE c.operator_id = o.id AND c.status IN (?, ?) AND c.id <> conversations.id
			) < o.max_concurrent
		)`
		args = append(args, ConversationAssigned, ConversationActive)
	}

	result, err := r.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		r.logger.Debug("conversation transition rejected", "id", next.ID, "next", next.Status)
		return false, nil
	}

	r.logger.Debug("conversation transitioned", "id", next.ID, "status", next.Status)
	return true, nil
}

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	var operatorID, handledBy, queuedAt, assignedAt, closedAt sql.NullString
	var rating sql.NullInt64
	var startedAt, updatedAt string

	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.VisitorID,
		&c.Status,
		&c.Priority,
		&operatorID,
		&handledBy,
		&c.Reason,
		&startedAt,
		&queuedAt,
		&assignedAt,
		&closedAt,
		&c.CloseReason,
		&rating,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.OperatorID = fromNullString(operatorID)
	c.HandledBy = fromNullString(handledBy)
	if rating.Valid {
		v := int(rating.Int64)
		c.Rating = &v
	}

	if c.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if c.QueuedAt, err = parseNullTime(queuedAt); err != nil {
		return nil, fmt.Errorf("parsing queued_at: %w", err)
	}
	if c.AssignedAt, err = parseNullTime(assignedAt); err != nil {
		return nil, fmt.Errorf("parsing assigned_at: %w", err)
	}
	if c.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return nil, fmt.Errorf("parsing closed_at: %w", err)
	}
	return &c, nil
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

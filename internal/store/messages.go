// ABOUTME: Append-only transcript persistence for the SQL store
// ABOUTME: Messages are ordered by their insertion sequence, which tracks created_at

package store

import (
	"context"
	"fmt"
)

// AppendMessage inserts a transcript message and fills msg.Seq.
func (r *sqlRepo) AppendMessage(ctx context.Context, msg *Message) error {
	internal := 0
	if msg.IsInternal {
		internal = 1
	}

	err := r.queryRow(ctx, `
		INSERT INTO messages (id, tenant_id, conversation_id, sender, author_id, text, is_internal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`,
		msg.ID,
		msg.TenantID,
		msg.ConversationID,
		msg.Sender,
		nullString(msg.AuthorID),
		msg.Text,
		internal,
		formatTime(msg.CreatedAt),
	).Scan(&msg.Seq)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's transcript in chronological order.
// With limit > 0 only the most recent limit messages are returned.
func (r *sqlRepo) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	const cols = `seq, id, tenant_id, conversation_id, sender, author_id, text, is_internal, created_at`

	query := `SELECT ` + cols + ` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`
	args := []any{conversationID}
	if limit > 0 {
		query = `SELECT ` + cols + ` FROM (
			SELECT ` + cols + ` FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		) recent ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var authorID *string
		var internal int
		var createdAt string
		if err := rows.Scan(
			&m.Seq,
			&m.ID,
			&m.TenantID,
			&m.ConversationID,
			&m.Sender,
			&authorID,
			&m.Text,
			&internal,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if authorID != nil {
			m.AuthorID = *authorID
		}
		m.IsInternal = internal != 0
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

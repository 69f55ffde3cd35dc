package db

import (
	"context"
	"fmt"
	"time"
)

// AppendMessage records an append-only message row, so resume can replay a
// session's conversation (spec.md §3 "Message / SessionEvent").
func (d *DB) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, nowString())
	if err != nil {
		return fmt.Errorf("append message for session %s: %w", sessionID, err)
	}
	return nil
}

// ListMessages returns every message for a session in order.
func (d *DB) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("list messages for session %s: %w", sessionID, err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendSessionEvent records a bridge event (ready/message/error/done) for
// replay, per spec.md §3.
func (d *DB) AppendSessionEvent(ctx context.Context, sessionID, kind, payload string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO session_events (session_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, kind, payload, nowString())
	if err != nil {
		return fmt.Errorf("append session event for session %s: %w", sessionID, err)
	}
	return nil
}

// ListSessionEvents returns every recorded event for a session in order.
func (d *DB) ListSessionEvents(ctx context.Context, sessionID string) ([]SessionEvent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, session_id, kind, payload, created_at FROM session_events WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session events for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("list session events for session %s: %w", sessionID, err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

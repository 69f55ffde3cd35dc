package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = "id, tenant_id, agent_name, sandbox_id, status, runner_id, created_at, last_active_at, parent_session_id, config, summary"

func scanSession(s scanner) (Session, error) {
	var sess Session
	var sandboxID, runnerID, parentID, cfg, summary sql.NullString
	var created, lastActive string
	if err := s.Scan(&sess.ID, &sess.TenantID, &sess.AgentName, &sandboxID, &sess.Status,
		&runnerID, &created, &lastActive, &parentID, &cfg, &summary); err != nil {
		return Session{}, err
	}
	sess.SandboxID = sandboxID.String
	sess.RunnerID = runnerID.String
	sess.ParentSessionID = parentID.String
	sess.Config = cfg.String
	sess.Summary = summary.String
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActive)
	return sess, nil
}

// CreateSession inserts a new session row in the given initial status
// (normally starting), per spec.md §4.8 "Create".
func (d *DB) CreateSession(ctx context.Context, s Session) (Session, error) {
	now := nowString()
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, tenant_id, agent_name, sandbox_id, status, runner_id, created_at, last_active_at, parent_session_id, config, summary)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))`,
		s.ID, s.TenantID, s.AgentName, s.SandboxID, s.Status, s.RunnerID, now, now, s.ParentSessionID, s.Config, s.Summary)
	if err != nil {
		return Session{}, fmt.Errorf("create session %s: %w", s.ID, err)
	}
	return d.GetSession(ctx, s.ID)
}

// InsertForkedSession creates a new session inheriting a parent's
// agentName and config, per spec.md §4.8 "Forks" — it gets its own id and
// its own sandbox on first activation (SandboxID left empty).
func (d *DB) InsertForkedSession(ctx context.Context, newID string, parent Session) (Session, error) {
	return d.CreateSession(ctx, Session{
		ID:              newID,
		TenantID:        parent.TenantID,
		AgentName:       parent.AgentName,
		Status:          SessionStarting,
		ParentSessionID: parent.ID,
		Config:          parent.Config,
	})
}

// GetSession looks up a session by id.
func (d *DB) GetSession(ctx context.Context, id string) (Session, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns sessions for a tenant, optionally filtered by agent
// name, per the GET /api/sessions?agent= filter in spec.md §6.1.
func (d *DB) ListSessions(ctx context.Context, tenantID, agentFilter string) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = ?`
	args := []any{tenantID}
	if agentFilter != "" {
		query += ` AND agent_name = ?`
		args = append(args, agentFilter)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListSessionsByRunner returns sessions currently bound to a runner, used
// by RunnerCoordinator.handleDeadRunner (spec.md §4.7).
func (d *DB) ListSessionsByRunner(ctx context.Context, runnerID string) ([]Session, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE runner_id = ?`, runnerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by runner %s: %w", runnerID, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions by runner %s: %w", runnerID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSessionStatus updates only the status column.
func (d *DB) SetSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set session %s status: %w", id, err)
	}
	return nil
}

// BindSandbox updates a session's sandbox and runner binding and touches
// lastActiveAt, used on create and on cold resume (spec.md §4.8).
func (d *DB) BindSandbox(ctx context.Context, sessionID, sandboxID, runnerID string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE sessions SET sandbox_id = NULLIF(?, ''), runner_id = NULLIF(?, ''), last_active_at = ? WHERE id = ?`,
		sandboxID, runnerID, nowString(), sessionID)
	if err != nil {
		return fmt.Errorf("bind sandbox for session %s: %w", sessionID, err)
	}
	return nil
}

// TouchSession updates lastActiveAt, per spec.md §4.8 step 5.
func (d *DB) TouchSession(ctx context.Context, id string) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE id = ?`, nowString(), id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

// SetSessionSummary stores the optional ambient summary (internal/summary),
// per SPEC_FULL.md §12.
func (d *DB) SetSessionSummary(ctx context.Context, id, summary string) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE sessions SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("set session %s summary: %w", id, err)
	}
	return nil
}

// PauseSessionsForRunner marks every active/starting session owned by a
// runner as paused, idempotent across concurrent coordinators (spec.md
// §4.7 handleDeadRunner / deregister).
func (d *DB) PauseSessionsForRunner(ctx context.Context, runnerID string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE runner_id = ? AND status IN (?, ?)`,
		SessionPaused, runnerID, SessionActive, SessionStarting)
	if err != nil {
		return fmt.Errorf("pause sessions for runner %s: %w", runnerID, err)
	}
	return nil
}

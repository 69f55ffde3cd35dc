package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sandboxColumns = "id, tenant_id, session_id, agent_name, state, workspace_dir, host_id, created_at, last_used_at"

func scanSandbox(s scanner) (Sandbox, error) {
	var sb Sandbox
	var sessionID sql.NullString
	var created, lastUsed string
	if err := s.Scan(&sb.ID, &sb.TenantID, &sessionID, &sb.AgentName, &sb.State,
		&sb.WorkspaceDir, &sb.HostID, &created, &lastUsed); err != nil {
		return Sandbox{}, err
	}
	sb.SessionID = sessionID.String
	sb.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sb.LastUsedAt, _ = time.Parse(time.RFC3339Nano, lastUsed)
	return sb, nil
}

// CreateSandboxRow inserts a new sandbox row, normally in the warming
// state, per spec.md §4.4 "Create (admission)" step 2.
func (d *DB) CreateSandboxRow(ctx context.Context, sb Sandbox) (Sandbox, error) {
	now := nowString()
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO sandboxes (id, tenant_id, session_id, agent_name, state, workspace_dir, host_id, created_at, last_used_at)
		 VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.TenantID, sb.SessionID, sb.AgentName, sb.State, sb.WorkspaceDir, sb.HostID, now, now)
	if err != nil {
		return Sandbox{}, fmt.Errorf("create sandbox row %s: %w", sb.ID, err)
	}
	return d.GetSandboxRow(ctx, sb.ID)
}

// GetSandboxRow looks up a sandbox row by id.
func (d *DB) GetSandboxRow(ctx context.Context, id string) (Sandbox, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+sandboxColumns+` FROM sandboxes WHERE id = ?`, id)
	sb, err := scanSandbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Sandbox{}, fmt.Errorf("get sandbox %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Sandbox{}, fmt.Errorf("get sandbox %s: %w", id, err)
	}
	return sb, nil
}

// DeleteSandboxRow removes a sandbox row, e.g. after a failed spawn
// (spec.md §4.4 "Create" step 3) or cold cleanup (§4.4).
func (d *DB) DeleteSandboxRow(ctx context.Context, id string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete sandbox %s: %w", id, err)
	}
	return nil
}

// SetSandboxState updates state and lastUsedAt.
func (d *DB) SetSandboxState(ctx context.Context, id string, state SandboxState) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE sandboxes SET state = ?, last_used_at = ? WHERE id = ?`, state, nowString(), id)
	if err != nil {
		return fmt.Errorf("set sandbox %s state: %w", id, err)
	}
	return nil
}

// MarkAllColdForHost sets every sandbox row owned by a host to cold, the
// crash-recovery step run on startup per spec.md §4.4 "Startup recovery".
func (d *DB) MarkAllColdForHost(ctx context.Context, hostID string) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE sandboxes SET state = ? WHERE host_id = ? AND state != ?`,
		SandboxCold, hostID, SandboxCold)
	if err != nil {
		return fmt.Errorf("mark all cold for host %s: %w", hostID, err)
	}
	return nil
}

// CountLiveAndCold returns the total of every non-terminal sandbox row
// owned by a host — used by capacity admission, spec.md §4.4 step 1 and
// the invariant in §8 "activeCount + coldCount ≤ maxCapacity".
func (d *DB) CountLiveAndCold(ctx context.Context, hostID string) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sandboxes WHERE host_id = ?`, hostID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sandboxes for host %s: %w", hostID, err)
	}
	return n, nil
}

// FindOneColdSandbox returns one cold sandbox row for a host, if any. Used
// by admission-time eviction (spec.md §4.4/§8 "cold first"): a cold row
// holds no live process, so deleting it frees a capacity slot without
// touching the runtime or the waiting/warm tiers.
func (d *DB) FindOneColdSandbox(ctx context.Context, hostID string) (Sandbox, bool, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE host_id = ? AND state = ? LIMIT 1`,
		hostID, SandboxCold)
	sb, err := scanSandbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Sandbox{}, false, nil
	}
	if err != nil {
		return Sandbox{}, false, fmt.Errorf("find cold sandbox for host %s: %w", hostID, err)
	}
	return sb, true, nil
}

// ListColdOlderThan returns cold sandbox rows for a host whose lastUsedAt
// predates the cutoff, for cold cleanup (spec.md §4.4).
func (d *DB) ListColdOlderThan(ctx context.Context, hostID string, cutoff time.Time) ([]Sandbox, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE host_id = ? AND state = ? AND last_used_at < ?`,
		hostID, SandboxCold, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list cold sandboxes for host %s: %w", hostID, err)
	}
	defer rows.Close()

	var out []Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("list cold sandboxes for host %s: %w", hostID, err)
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

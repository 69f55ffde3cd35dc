package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runnerColumns = "id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at"

func scanRunner(s scanner) (RunnerRecord, error) {
	var r RunnerRecord
	var lastHeartbeat string
	if err := s.Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount, &lastHeartbeat); err != nil {
		return RunnerRecord{}, err
	}
	r.LastHeartbeatAt, _ = time.Parse(time.RFC3339Nano, lastHeartbeat)
	return r, nil
}

// RegisterRunner upserts (id, host, port, maxSandboxes) and refreshes the
// heartbeat, per spec.md §4.7 "Discovery". Registration is idempotent: a
// runner can call it repeatedly (e.g. on every restart) without creating
// duplicate rows.
func (d *DB) RegisterRunner(ctx context.Context, id, host string, port, maxSandboxes int) error {
	now := nowString()
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO runners (id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   host = excluded.host,
		   port = excluded.port,
		   max_sandboxes = excluded.max_sandboxes,
		   last_heartbeat_at = excluded.last_heartbeat_at`,
		id, host, port, maxSandboxes, now)
	if err != nil {
		return fmt.Errorf("register runner %s: %w", id, err)
	}
	return nil
}

// Heartbeat updates a runner's live stats and heartbeat timestamp, per
// spec.md §4.7 "Heartbeat".
func (d *DB) Heartbeat(ctx context.Context, id string, activeCount, warmingCount int) error {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE runners SET active_count = ?, warming_count = ?, last_heartbeat_at = ? WHERE id = ?`,
		activeCount, warmingCount, nowString(), id)
	if err != nil {
		return fmt.Errorf("heartbeat runner %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat runner %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("heartbeat runner %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRunner looks up a runner record by id.
func (d *DB) GetRunner(ctx context.Context, id string) (RunnerRecord, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE id = ?`, id)
	r, err := scanRunner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunnerRecord{}, fmt.Errorf("get runner %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return RunnerRecord{}, fmt.Errorf("get runner %s: %w", id, err)
	}
	return r, nil
}

// ListRunners returns every runner row, per spec.md §4.7 "Any coordinator
// can see all runners by querying the DB".
func (d *DB) ListRunners(ctx context.Context) ([]RunnerRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+runnerColumns+` FROM runners`)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var out []RunnerRecord
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("list runners: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListLiveRunners returns runners whose last heartbeat is within the
// liveness window, per spec.md §4.7 "Selection".
func (d *DB) ListLiveRunners(ctx context.Context, livenessTimeout time.Duration) ([]RunnerRecord, error) {
	cutoff := time.Now().Add(-livenessTimeout).UTC().Format(time.RFC3339Nano)
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE last_heartbeat_at > ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list live runners: %w", err)
	}
	defer rows.Close()

	var out []RunnerRecord
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("list live runners: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListStaleRunners returns runners whose last heartbeat predates the
// liveness window, for the liveness sweep (spec.md §4.7).
func (d *DB) ListStaleRunners(ctx context.Context, livenessTimeout time.Duration) ([]RunnerRecord, error) {
	cutoff := time.Now().Add(-livenessTimeout).UTC().Format(time.RFC3339Nano)
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE last_heartbeat_at <= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale runners: %w", err)
	}
	defer rows.Close()

	var out []RunnerRecord
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("list stale runners: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRunner removes a runner row. Conditional on nothing else: deletion
// itself is the idempotent half of handleDeadRunner / deregister (spec.md
// §4.7); the session-pause half is PauseSessionsForRunner and the two are
// called together by the caller, not wrapped in a transaction here, since
// either order converges to the same end state if re-run.
func (d *DB) DeleteRunner(ctx context.Context, id string) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete runner %s: %w", id, err)
	}
	return nil
}

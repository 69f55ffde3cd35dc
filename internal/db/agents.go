package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by single-row lookups that find nothing, wrapped
// with context by each call site.
var ErrNotFound = errors.New("not found")

const agentColumns = "id, tenant_id, name, version, path, created_at, updated_at"

func scanAgent(s scanner) (Agent, error) {
	var a Agent
	var created, updated string
	if err := s.Scan(&a.ID, &a.TenantID, &a.Name, &a.Version, &a.Path, &created, &updated); err != nil {
		return Agent{}, err
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return a, nil
}

// CreateAgent inserts a new agent at version 1. Fails with a unique
// constraint error if (tenantId, name) already exists.
func (d *DB) CreateAgent(ctx context.Context, id, tenantID, name, path string) (Agent, error) {
	now := nowString()
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO agents (id, tenant_id, name, version, path, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)`,
		id, tenantID, name, path, now, now)
	if err != nil {
		return Agent{}, fmt.Errorf("create agent: %w", err)
	}
	return d.GetAgentByName(ctx, tenantID, name)
}

// RedeployAgent updates an existing agent's path and increments its
// version, per spec.md §3 "version increments on each re-deploy, id stable
// across versions".
func (d *DB) RedeployAgent(ctx context.Context, tenantID, name, path string) (Agent, error) {
	now := nowString()
	res, err := d.conn.ExecContext(ctx,
		`UPDATE agents SET path = ?, version = version + 1, updated_at = ?
		 WHERE tenant_id = ? AND name = ?`,
		path, now, tenantID, name)
	if err != nil {
		return Agent{}, fmt.Errorf("redeploy agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Agent{}, fmt.Errorf("redeploy agent: %w", err)
	}
	if n == 0 {
		return Agent{}, fmt.Errorf("redeploy agent %s/%s: %w", tenantID, name, ErrNotFound)
	}
	return d.GetAgentByName(ctx, tenantID, name)
}

// GetAgentByName looks up an agent by its unique (tenantId, name) pair.
func (d *DB) GetAgentByName(ctx context.Context, tenantID, name string) (Agent, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? AND name = ?`,
		tenantID, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("get agent %s/%s: %w", tenantID, name, ErrNotFound)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent %s/%s: %w", tenantID, name, err)
	}
	return a, nil
}

// ListAgents returns every agent for a tenant, ordered by name.
func (d *DB) ListAgents(ctx context.Context, tenantID string) ([]Agent, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? ORDER BY name`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent row. Per spec.md §3, deletion does not
// cascade to sessions.
func (d *DB) DeleteAgent(ctx context.Context, tenantID, name string) error {
	res, err := d.conn.ExecContext(ctx,
		`DELETE FROM agents WHERE tenant_id = ? AND name = ?`, tenantID, name)
	if err != nil {
		return fmt.Errorf("delete agent %s/%s: %w", tenantID, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete agent %s/%s: %w", tenantID, name, err)
	}
	if n == 0 {
		return fmt.Errorf("delete agent %s/%s: %w", tenantID, name, ErrNotFound)
	}
	return nil
}

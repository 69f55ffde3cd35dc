// Package db is Ash's canonical store: SQLite via modernc.org/sqlite (pure
// Go, no cgo) with goose-managed embedded migrations, exactly as the
// teacher's internal/db/db.go opens its store. It holds Agent, Session,
// Sandbox, RunnerRecord, Message, and SessionEvent rows — the DB-owned half
// of the ownership split in spec.md §3 ("the DB exclusively owns the
// canonical state").
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// DB wraps a *sql.DB configured for Ash's single-writer SQLite usage.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies all pending migrations. WAL mode and a 5s busy timeout let
// concurrent readers coexist with the single writer; SetMaxOpenConns(1)
// serializes writers so the busy_timeout pragma never needs to fire under
// normal load.
func Open(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sub migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, sub)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("new migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies the connection is alive, for the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// nowString returns the current time formatted as RFC3339Nano, the single
// timestamp format used across every table.
func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// scanner is satisfied by both *sql.Row and *sql.Rows, letting the
// per-entity scan helpers below be shared across QueryRow and Query call
// sites, matching the teacher's scanSession helper pattern.
type scanner interface {
	Scan(dest ...any) error
}

// Package storage persists the registry log and aliases in SQLite and
// streams detection history to optional Postgres and ClickHouse sinks.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"mesh_mapper/internal/registry"
)

// DB wraps a SQLite database holding the registry log and aliases.
type DB struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at the given path.
// If path is empty or ":memory:", uses an in-memory database.
func Open(path string) (*DB, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: appends are single-writer and an in-memory database
	// only exists per connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// createSchema creates the database tables and indices.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS registry_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		aircraft_id TEXT NOT NULL,
		remote_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_registry_log_key ON registry_log(aircraft_id, remote_id);

	CREATE TABLE IF NOT EXISTS aliases (
		aircraft_id TEXT PRIMARY KEY,
		alias TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

// AppendRegistry appends one cache entry to the registry log.
func (d *DB) AppendRegistry(ctx context.Context, e registry.Entry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO registry_log (aircraft_id, remote_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		e.AircraftID, e.RemoteID, string(e.Payload), created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert registry entry: %w", err)
	}
	return nil
}

// LoadRegistry returns the registry log in append order. Replaying it leaves
// the last row per key in effect.
func (d *DB) LoadRegistry(ctx context.Context) ([]registry.Entry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT aircraft_id, remote_id, payload, created_at FROM registry_log ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query registry log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []registry.Entry
	for rows.Next() {
		var (
			e       registry.Entry
			payload string
			created string
		)
		if err := rows.Scan(&e.AircraftID, &e.RemoteID, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan registry entry: %w", err)
		}
		if !json.Valid([]byte(payload)) {
			continue
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RegistryLogLen returns the number of rows in the registry log.
func (d *DB) RegistryLogLen(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registry_log`).Scan(&n)
	return n, err
}

// SaveAlias creates or replaces the alias of an aircraft.
func (d *DB) SaveAlias(ctx context.Context, aircraftID, alias string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO aliases (aircraft_id, alias, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(aircraft_id) DO UPDATE SET alias = excluded.alias, updated_at = excluded.updated_at`,
		aircraftID, alias, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save alias: %w", err)
	}
	return nil
}

// DeleteAlias removes an alias. It returns false if none existed.
func (d *DB) DeleteAlias(ctx context.Context, aircraftID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM aliases WHERE aircraft_id = ?`, aircraftID)
	if err != nil {
		return false, fmt.Errorf("delete alias: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LoadAliases returns every stored alias keyed by aircraft id.
func (d *DB) LoadAliases(ctx context.Context) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT aircraft_id, alias FROM aliases`)
	if err != nil {
		return nil, fmt.Errorf("query aliases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var id, alias string
		if err := rows.Scan(&id, &alias); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		out[id] = alias
	}
	return out, rows.Err()
}

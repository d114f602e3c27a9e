package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mesh_mapper/internal/detection"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// PostgresDB wraps a PostgreSQL connection pool for detection history.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS detection_history (
		id              UUID PRIMARY KEY,
		seq             BIGINT NOT NULL,
		aircraft_id     TEXT NOT NULL,
		drone_lat       DOUBLE PRECISION,
		drone_lon       DOUBLE PRECISION,
		drone_alt       DOUBLE PRECISION,
		pilot_lat       DOUBLE PRECISION,
		pilot_lon       DOUBLE PRECISION,
		signal_strength INTEGER,
		remote_id       TEXT NOT NULL DEFAULT '',
		registry_data   JSONB,
		source          TEXT NOT NULL DEFAULT '',
		observed_at     TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_detection_history_aircraft ON detection_history(aircraft_id, observed_at);
	`
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// InsertHistory writes a batch of history entries. Entries already present
// are skipped.
func (d *PostgresDB) InsertHistory(ctx context.Context, entries []detection.HistoryEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		r := e.Record
		var droneLat, droneLon, droneAlt, pilotLat, pilotLon *float64
		if r.Drone != nil {
			droneLat, droneLon, droneAlt = &r.Drone.Lat, &r.Drone.Lon, &r.Drone.Alt
		}
		if r.Pilot != nil {
			pilotLat, pilotLon = &r.Pilot.Lat, &r.Pilot.Lon
		}
		var registryData *string
		if len(r.RegistryData) > 0 {
			s := string(r.RegistryData)
			registryData = &s
		}

		batch.Queue(`
			INSERT INTO detection_history (
				id, seq, aircraft_id, drone_lat, drone_lon, drone_alt,
				pilot_lat, pilot_lon, signal_strength, remote_id, registry_data, source, observed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13)
			ON CONFLICT (id) DO NOTHING`,
			e.ID, int64(e.Seq), r.AircraftID, droneLat, droneLon, droneAlt,
			pilotLat, pilotLon, r.SignalStrength, r.RemoteID, registryData, r.Source, r.LastUpdate,
		)
	}

	br := d.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return nil
}

// CountHistory returns the number of stored entries for an aircraft.
func (d *PostgresDB) CountHistory(ctx context.Context, aircraftID string) (int, error) {
	var n int
	err := d.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM detection_history WHERE aircraft_id = $1`, aircraftID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

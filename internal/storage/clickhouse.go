package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"mesh_mapper/internal/detection"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ClickHouseDB wraps a ClickHouse connection for detection analytics.
type ClickHouseDB struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS detection_history (
		id              UUID,
		seq             UInt64,
		aircraft_id     LowCardinality(String),
		has_fix         UInt8,
		drone_lat       Float64,
		drone_lon       Float64,
		drone_alt       Float64,
		pilot_lat       Float64,
		pilot_lon       Float64,
		signal_strength Nullable(Int32),
		remote_id       LowCardinality(String),
		source          LowCardinality(String),
		observed_at     DateTime64(3)
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(observed_at)
	ORDER BY (aircraft_id, observed_at, seq)`

	if err := d.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// InsertHistory writes a batch of history entries.
func (d *ClickHouseDB) InsertHistory(ctx context.Context, entries []detection.HistoryEntry) error {
	batch, err := d.conn.PrepareBatch(ctx, `INSERT INTO detection_history`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range entries {
		r := e.Record
		var hasFix uint8
		var droneLat, droneLon, droneAlt, pilotLat, pilotLon float64
		if r.Drone.Valid() {
			hasFix = 1
			droneLat, droneLon, droneAlt = r.Drone.Lat, r.Drone.Lon, r.Drone.Alt
		}
		if r.Pilot != nil {
			pilotLat, pilotLon = r.Pilot.Lat, r.Pilot.Lon
		}
		id, err := uuid.Parse(e.ID)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("history id %q: %w", e.ID, err)
		}
		var signal *int32
		if r.SignalStrength != nil {
			v := int32(*r.SignalStrength)
			signal = &v
		}

		if err := batch.Append(
			id, e.Seq, r.AircraftID, hasFix,
			droneLat, droneLon, droneAlt, pilotLat, pilotLon,
			signal, r.RemoteID, r.Source, r.LastUpdate,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append history: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

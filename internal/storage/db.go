package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/metrics"
)

// Config selects the optional history databases. A nil entry is disabled.
type Config struct {
	ClickHouse *ClickHouseConfig
	Postgres   *PostgresConfig
	Sink       SinkConfig
}

// DefaultPostgresConfig returns local development settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "mesh_mapper",
		User:     "mesh",
		Password: "mesh",
	}
}

// DefaultClickHouseConfig returns local development settings.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Host:     "localhost",
		Port:     9000,
		Database: "mesh_mapper",
		User:     "default",
	}
}

// HistorySinks owns the opened history databases and their batching sinks.
type HistorySinks struct {
	CH *ClickHouseDB
	PG *PostgresDB

	sinks []*Sink
}

// OpenHistorySinks connects to every configured database and creates its
// schema.
func OpenHistorySinks(ctx context.Context, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*HistorySinks, error) {
	h := &HistorySinks{}

	if cfg.ClickHouse != nil {
		ch, err := OpenClickHouse(ctx, *cfg.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		if err := ch.CreateSchema(ctx); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		h.CH = ch
		h.sinks = append(h.sinks, NewSink("clickhouse", ch, cfg.Sink, logger, m))
	}

	if cfg.Postgres != nil {
		pg, err := OpenPostgres(ctx, *cfg.Postgres)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.CreateSchema(ctx); err != nil {
			pg.Close()
			_ = h.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		h.PG = pg
		h.sinks = append(h.sinks, NewSink("postgres", pg, cfg.Sink, logger, m))
	}

	return h, nil
}

// Enabled reports whether any sink is configured.
func (h *HistorySinks) Enabled() bool {
	return len(h.sinks) > 0
}

// Sink returns the fan-out sink to attach to the detection store.
func (h *HistorySinks) Sink() detection.HistorySink {
	out := make(MultiSink, 0, len(h.sinks))
	for _, s := range h.sinks {
		out = append(out, s)
	}
	return out
}

// Run drives every sink until ctx is cancelled.
func (h *HistorySinks) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range h.sinks {
		wg.Add(1)
		go func(s *Sink) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}
	wg.Wait()
}

// Close closes both database connections.
func (h *HistorySinks) Close() error {
	var errs []error
	if h.CH != nil {
		if err := h.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if h.PG != nil {
		h.PG.Close()
	}
	return errors.Join(errs...)
}

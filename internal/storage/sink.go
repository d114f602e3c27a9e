package storage

import (
	"context"
	"log/slog"
	"time"

	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/metrics"
)

// HistoryWriter persists a batch of history entries.
type HistoryWriter interface {
	InsertHistory(ctx context.Context, entries []detection.HistoryEntry) error
}

// SinkConfig controls buffering and batching of a history sink.
type SinkConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultSinkConfig returns the batching defaults.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		BufferSize:    4096,
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
	}
}

// Sink buffers history entries and writes them in batches. Enqueue never
// blocks; entries are dropped when the buffer is full.
type Sink struct {
	name    string
	writer  HistoryWriter
	cfg     SinkConfig
	ch      chan detection.HistoryEntry
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewSink creates a sink that feeds writer.
func NewSink(name string, writer HistoryWriter, cfg SinkConfig, logger *slog.Logger, m *metrics.Metrics) *Sink {
	def := DefaultSinkConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &Sink{
		name:    name,
		writer:  writer,
		cfg:     cfg,
		ch:      make(chan detection.HistoryEntry, cfg.BufferSize),
		logger:  logging.OrDiscard(logger).With("component", "history", "sink", name),
		metrics: m,
	}
}

// Name returns the sink name.
func (s *Sink) Name() string { return s.name }

// Enqueue implements detection.HistorySink.
func (s *Sink) Enqueue(e detection.HistoryEntry) {
	select {
	case s.ch <- e:
	default:
		s.metrics.HistoryDrop(s.name)
	}
}

// Run drains the buffer until ctx is cancelled, then flushes what is left.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]detection.HistoryEntry, 0, s.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.writer.InsertHistory(ctx, batch); err != nil {
			s.logger.Error("write history batch", "entries", len(batch), "error", err)
			for range batch {
				s.metrics.HistoryDrop(s.name)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
				default:
					break drain
				}
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(flushCtx)
			cancel()
			return
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// MultiSink fans entries out to several sinks.
type MultiSink []detection.HistorySink

// Enqueue implements detection.HistorySink.
func (m MultiSink) Enqueue(e detection.HistoryEntry) {
	for _, s := range m {
		s.Enqueue(e)
	}
}

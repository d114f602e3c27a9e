// Package housekeeping runs the periodic jobs of the process: stale
// detection eviction and the status log.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/metrics"
	"mesh_mapper/internal/source"
)

// Store is the part of the detection store housekeeping touches.
type Store interface {
	EvictStale(now time.Time, threshold time.Duration) []string
	Active(now time.Time, threshold time.Duration) []detection.Record
	Len() int
	HistoryLen() int
}

// Config sets the job intervals.
type Config struct {
	StaleAfter     time.Duration
	EvictInterval  time.Duration
	StatusInterval time.Duration
}

// Scheduler owns the cron instance running the jobs.
type Scheduler struct {
	store   Store
	feeds   func() []source.Status
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	cron    *cron.Cron
}

// New creates a scheduler. feeds may be nil.
func New(store Store, feeds func() []source.Status, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	logger = logging.OrDiscard(logger).With("component", "housekeeping")
	return &Scheduler{
		store:   store,
		feeds:   feeds,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
		metrics: m,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
	}
}

// Start schedules the jobs and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(every(s.cfg.EvictInterval), s.Evict); err != nil {
		return fmt.Errorf("schedule eviction: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.cfg.StatusInterval), s.LogStatus); err != nil {
		return fmt.Errorf("schedule status log: %w", err)
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// Evict drops aircraft not heard from within the stale threshold and
// refreshes the active gauge.
func (s *Scheduler) Evict() {
	now := s.now()
	if ids := s.store.EvictStale(now, s.cfg.StaleAfter); len(ids) > 0 {
		s.logger.Info("evicted stale detections", "count", len(ids), "aircraft_ids", ids)
	}
	s.metrics.SetActive(s.store.Len())
}

// LogStatus logs a one-line summary of the live picture and feed states.
func (s *Scheduler) LogStatus() {
	now := s.now()
	active := s.store.Active(now, s.cfg.StaleAfter)

	attrs := []any{
		"active", len(active),
		"tracked", s.store.Len(),
		"history", s.store.HistoryLen(),
	}
	if s.feeds != nil {
		for _, f := range s.feeds() {
			attrs = append(attrs, slog.Group(f.Feed, "state", f.State, "frames", f.Frames, "dropped", f.Dropped))
		}
	}
	s.logger.Info("status", attrs...)
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

// Package pipeline is the single path every detection takes from a feed to
// the store, the registry cache and the relay.
package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/metrics"
	"mesh_mapper/internal/relay"
)

// Store is the detection store as seen by the pipeline.
type Store interface {
	Update(rec detection.Record) (detection.Record, error)
}

// Enricher fills registry data from local caches. It sets RegistryData on
// the returned record only when the stored value needs to change.
type Enricher interface {
	Enrich(ctx context.Context, rec detection.Record) detection.Record
}

// Publisher forwards an updated record downstream.
type Publisher interface {
	Publish(ctx context.Context, rec detection.Record) error
}

// Pipeline applies one normalized record.
type Pipeline struct {
	store     Store
	enricher  Enricher
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a pipeline. enricher and publisher may be nil.
func New(store Store, enricher Enricher, publisher Publisher, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		store:     store,
		enricher:  enricher,
		publisher: publisher,
		logger:    logging.OrDiscard(logger).With("component", "pipeline"),
		metrics:   m,
	}
}

// Handle attaches cached registry data to rec, merges it into the store in
// a single update and publishes the result. Only a store rejection is
// returned; relay problems are logged.
func (p *Pipeline) Handle(ctx context.Context, rec detection.Record) (detection.Record, error) {
	if rec.AircraftID == "" {
		return detection.Record{}, detection.ErrMissingAircraftID
	}
	if p.enricher != nil {
		rec = p.enricher.Enrich(ctx, rec)
	}

	updated, err := p.store.Update(rec)
	if err != nil {
		return detection.Record{}, err
	}
	p.metrics.DetectionUpdated()

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, updated); err != nil {
			if errors.Is(err, relay.ErrQueueFull) {
				p.logger.Warn("relay queue full, event dropped", "aircraft_id", updated.AircraftID)
			} else {
				p.logger.Error("publish detection", "aircraft_id", updated.AircraftID, "error", err)
			}
		}
	}
	return updated, nil
}

// Handler adapts Handle to the feed reader callback.
func (p *Pipeline) Handler() func(ctx context.Context, rec detection.Record) {
	return func(ctx context.Context, rec detection.Record) {
		if _, err := p.Handle(ctx, rec); err != nil {
			p.logger.Warn("detection rejected", "source", rec.Source, "error", err)
		}
	}
}

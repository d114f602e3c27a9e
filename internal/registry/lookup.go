package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/metrics"
)

var (
	// ErrNoRegistryData is returned when neither the registry nor any
	// fallback tier has data for an aircraft.
	ErrNoRegistryData = errors.New("no registry data")

	// ErrInvalidRequest is returned when a lookup lacks an aircraft or remote id.
	ErrInvalidRequest = errors.New("aircraft id and remote id are required")
)

// LookupError describes a failed lookup.
type LookupError struct {
	AircraftID string
	RemoteID   string
	Err        error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("registry lookup %s/%s: %v", e.AircraftID, e.RemoteID, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Querier performs the live registry query.
type Querier interface {
	Query(ctx context.Context, remoteID string) (json.RawMessage, error)
}

// Store is the subset of the detection store used for fallback and
// write-back.
type Store interface {
	Get(aircraftID string) (detection.Record, bool)
	SetRegistryData(aircraftID, remoteID string, payload json.RawMessage) (detection.Record, error)
}

// Result is the outcome of a lookup.
type Result struct {
	Payload json.RawMessage `json:"payload"`
	Tier    string          `json:"source"`
	Live    bool            `json:"live"`
}

// LookupService answers on-demand registry queries through the cache and
// enriches incoming records without network I/O.
type LookupService struct {
	cache   *Cache
	store   Store
	querier Querier
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLookupService wires the cache, store and live querier together.
func NewLookupService(cache *Cache, store Store, querier Querier, logger *slog.Logger, m *metrics.Metrics) *LookupService {
	return &LookupService{
		cache:   cache,
		store:   store,
		querier: querier,
		logger:  logging.OrDiscard(logger).With("component", "registry"),
		metrics: m,
	}
}

// Refresh queries the registry for remoteID. A result with records is cached
// and written to the store; otherwise the fallback chain answers. The error
// is non-nil only when no data exists anywhere.
func (s *LookupService) Refresh(ctx context.Context, aircraftID, remoteID string) (Result, error) {
	if aircraftID == "" || remoteID == "" {
		return Result{}, &LookupError{AircraftID: aircraftID, RemoteID: remoteID, Err: ErrInvalidRequest}
	}

	payload, qerr := s.querier.Query(ctx, remoteID)
	if qerr == nil && HasRecords(payload) {
		if err := s.cache.Put(ctx, aircraftID, remoteID, payload); err != nil {
			s.logger.Error("cache registry result", "aircraft_id", aircraftID, "error", err)
		}
		s.writeBack(aircraftID, remoteID, payload)
		s.metrics.RegistryLookup("live")
		return Result{Payload: payload, Tier: "live", Live: true}, nil
	}
	if qerr != nil {
		s.logger.Warn("registry query failed, using fallback", "aircraft_id", aircraftID, "remote_id", remoteID, "error", qerr)
	}

	var current json.RawMessage
	if rec, ok := s.store.Get(aircraftID); ok {
		current = rec.RegistryData
	}
	fallback, tier := s.cache.Resolve(aircraftID, remoteID, current)
	if tier != TierNone {
		if tier != TierExact {
			if err := s.cache.Put(ctx, aircraftID, remoteID, fallback); err != nil {
				s.logger.Error("cache registry fallback", "aircraft_id", aircraftID, "error", err)
			}
		}
		s.writeBack(aircraftID, remoteID, fallback)
		s.metrics.RegistryLookup(tier.String())
		return Result{Payload: fallback, Tier: tier.String()}, nil
	}

	// The registry answered but had nothing on file: return its empty
	// answer uncached so later lookups still try the fallback tiers.
	if qerr == nil {
		s.metrics.RegistryLookup("empty")
		return Result{Payload: payload, Tier: "live", Live: true}, nil
	}

	s.metrics.RegistryLookup("miss")
	return Result{}, &LookupError{
		AircraftID: aircraftID,
		RemoteID:   remoteID,
		Err:        errors.Join(ErrNoRegistryData, qerr),
	}
}

func (s *LookupService) writeBack(aircraftID, remoteID string, payload json.RawMessage) {
	if _, err := s.store.SetRegistryData(aircraftID, remoteID, payload); err != nil {
		s.logger.Error("store registry data", "aircraft_id", aircraftID, "error", err)
	}
}

// Enrich fills rec.RegistryData from the fallback chain. The remote id and
// current registry data come from the stored record when rec omits them. A
// payload found under another key is cached under the record's current key
// so later exact lookups hit.
func (s *LookupService) Enrich(ctx context.Context, rec detection.Record) detection.Record {
	prev, _ := s.store.Get(rec.AircraftID)

	remoteID := rec.RemoteID
	if remoteID == "" {
		remoteID = prev.RemoteID
	}
	current := rec.RegistryData
	if len(current) == 0 {
		current = prev.RegistryData
	}

	payload, tier := s.cache.Resolve(rec.AircraftID, remoteID, current)
	if tier == TierNone {
		return rec
	}
	if tier != TierExact && remoteID != "" {
		if err := s.cache.Put(ctx, rec.AircraftID, remoteID, payload); err != nil {
			s.logger.Error("cache enriched registry data", "aircraft_id", rec.AircraftID, "error", err)
		}
	}
	if !bytes.Equal(payload, prev.RegistryData) {
		rec.RegistryData = payload
	}
	return rec
}

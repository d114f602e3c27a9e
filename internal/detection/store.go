package detection

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mesh_mapper/internal/logging"
)

// ErrMissingAircraftID is returned when an update carries no aircraft id.
var ErrMissingAircraftID = errors.New("detection: missing aircraft id")

// Store is the authoritative map of aircraft records. Map mutation and
// snapshots happen under a short lock; no I/O is done while holding it.
//
// Records age out of the active set but are never forgotten: an evicted
// record moves to the inactive set and a later update merges into it.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*Record
	inactive map[string]*Record

	// history is compacted lazily; only the last maxHistory entries are visible.
	history    []HistoryEntry
	seq        uint64
	maxHistory int

	sink   HistorySink
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp updates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxHistory caps the in-memory history. Zero means unbounded.
func WithMaxHistory(n int) Option {
	return func(s *Store) { s.maxHistory = n }
}

// WithHistorySink forwards every history entry to sink.
func WithHistorySink(sink HistorySink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		records:  make(map[string]*Record),
		inactive: make(map[string]*Record),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With("component", "detection")
	return s
}

// Update merges rec into the stored record for its aircraft and returns the
// merged copy.
//
// Without a prior record, rec is stored as-is; an invalid drone position is
// stored as "no fix". With a prior record, active or evicted, only the fields
// present on rec are overwritten, so a no-fix update leaves the stored drone
// position alone and the remote id stays sticky. LastUpdate is always
// refreshed and the aircraft is active afterwards.
func (s *Store) Update(rec Record) (Record, error) {
	if rec.AircraftID == "" {
		return Record{}, ErrMissingAircraftID
	}

	s.mu.Lock()
	now := s.now()
	cur, ok := s.activateLocked(rec.AircraftID)
	if !ok {
		fresh := rec.Clone()
		if !fresh.Drone.Valid() {
			fresh.Drone = nil
		}
		if !fresh.Pilot.Valid() {
			fresh.Pilot = nil
		}
		cur = &fresh
		s.records[rec.AircraftID] = cur
	} else {
		cur.merge(rec)
	}
	cur.LastUpdate = now
	out := cur.Clone()
	entry := s.appendHistoryLocked(out)
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Enqueue(entry)
	}
	return out, nil
}

// activateLocked returns the record for aircraftID, moving it back from the
// inactive set when it was evicted.
func (s *Store) activateLocked(aircraftID string) (*Record, bool) {
	if cur, ok := s.records[aircraftID]; ok {
		return cur, true
	}
	cur, ok := s.inactive[aircraftID]
	if !ok {
		return nil, false
	}
	delete(s.inactive, aircraftID)
	s.records[aircraftID] = cur
	return cur, true
}

// lookupLocked returns the active or inactive record for aircraftID.
func (s *Store) lookupLocked(aircraftID string) (*Record, bool) {
	if cur, ok := s.records[aircraftID]; ok {
		return cur, true
	}
	cur, ok := s.inactive[aircraftID]
	return cur, ok
}

func (s *Store) appendHistoryLocked(rec Record) HistoryEntry {
	s.seq++
	entry := HistoryEntry{
		ID:     uuid.NewString(),
		Seq:    s.seq,
		Record: rec.Clone(),
	}
	s.history = append(s.history, entry)
	if s.maxHistory > 0 && len(s.history) >= 2*s.maxHistory {
		s.history = append([]HistoryEntry(nil), s.history[len(s.history)-s.maxHistory:]...)
	}
	return entry
}

// visibleHistoryLocked returns the history window honouring maxHistory.
func (s *Store) visibleHistoryLocked() []HistoryEntry {
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		return s.history[len(s.history)-s.maxHistory:]
	}
	return s.history
}

// SetRegistryData attaches the result of an on-demand registry query to an
// aircraft without counting as a detection: LastUpdate, the active set and
// the history are left alone. If the aircraft is unknown a stub record
// holding only the remote id and registry data is created. Detections carry
// their registry data through Update.
func (s *Store) SetRegistryData(aircraftID, remoteID string, payload json.RawMessage) (Record, error) {
	if aircraftID == "" {
		return Record{}, ErrMissingAircraftID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.lookupLocked(aircraftID)
	if !ok {
		cur = &Record{AircraftID: aircraftID, LastUpdate: s.now()}
		s.records[aircraftID] = cur
	}
	if remoteID != "" {
		cur.RemoteID = remoteID
	}
	cur.RegistryData = append(json.RawMessage(nil), payload...)
	return cur.Clone(), nil
}

// Get returns a copy of the record for an aircraft, active or evicted.
func (s *Store) Get(aircraftID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.lookupLocked(aircraftID)
	if !ok {
		return Record{}, false
	}
	return cur.Clone(), true
}

// IsActive reports whether an aircraft is in the active set.
func (s *Store) IsActive(aircraftID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[aircraftID]
	return ok
}

// Snapshot returns a copy of every active record.
func (s *Store) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.Clone()
	}
	return out
}

// Len returns the number of records in the active map.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Active returns records updated within threshold of now, most recent first.
func (s *Store) Active(now time.Time, threshold time.Duration) []Record {
	s.mu.RLock()
	var out []Record
	for _, rec := range s.records {
		if now.Sub(rec.LastUpdate) <= threshold {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdate.After(out[j].LastUpdate)
	})
	return out
}

// EvictStale moves records whose age exceeds threshold out of the active set
// and returns their ids. A record exactly threshold old stays active. The
// evicted records and the history are kept.
func (s *Store) EvictStale(now time.Time, threshold time.Duration) []string {
	s.mu.Lock()
	var evicted []string
	for id, rec := range s.records {
		if now.Sub(rec.LastUpdate) > threshold {
			delete(s.records, id)
			s.inactive[id] = rec
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(evicted)
	for _, id := range evicted {
		s.logger.Debug("aircraft inactive", "aircraft_id", id)
	}
	return evicted
}

// Reactivate refreshes an aircraft so it counts as active again. Returns
// false if the aircraft has never been seen.
func (s *Store) Reactivate(aircraftID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.activateLocked(aircraftID)
	if !ok {
		return Record{}, false
	}
	cur.LastUpdate = s.now()
	return cur.Clone(), true
}

// HistoryLen returns the number of visible history entries.
func (s *Store) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.visibleHistoryLocked())
}

// History returns up to limit entries starting at offset, oldest first.
// A limit of zero or less returns everything after offset.
func (s *Store) History(offset, limit int) []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := s.visibleHistoryLocked()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(hist) {
		return nil
	}
	end := len(hist)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]HistoryEntry, 0, end-offset)
	for _, e := range hist[offset:end] {
		out = append(out, HistoryEntry{ID: e.ID, Seq: e.Seq, Record: e.Record.Clone()})
	}
	return out
}

// Paths builds the drone and pilot tracks of every aircraft from history,
// dropping consecutive duplicate points. Paths are ordered by aircraft id.
func (s *Store) Paths() []Path {
	s.mu.RLock()
	byID := make(map[string]*Path)
	for _, e := range s.visibleHistoryLocked() {
		rec := e.Record
		p, ok := byID[rec.AircraftID]
		if !ok {
			p = &Path{AircraftID: rec.AircraftID}
			byID[rec.AircraftID] = p
		}
		if rec.Drone.Valid() {
			p.Drone = appendPoint(p.Drone, [2]float64{rec.Drone.Lat, rec.Drone.Lon})
		}
		if rec.Pilot.Valid() {
			p.Pilot = appendPoint(p.Pilot, [2]float64{rec.Pilot.Lat, rec.Pilot.Lon})
		}
	}
	s.mu.RUnlock()

	out := make([]Path, 0, len(byID))
	for _, p := range byID {
		if len(p.Drone) == 0 && len(p.Pilot) == 0 {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AircraftID < out[j].AircraftID })
	return out
}

func appendPoint(track [][2]float64, pt [2]float64) [][2]float64 {
	if n := len(track); n > 0 && track[n-1] == pt {
		return track
	}
	return append(track, pt)
}

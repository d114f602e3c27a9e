// Package registry caches aircraft registry records and resolves them with a
// layered fallback, querying the FAA UAS document service on demand.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Tier identifies which fallback level satisfied a resolution.
type Tier int

const (
	TierNone     Tier = iota
	TierExact         // (aircraft id, remote id) cache entry
	TierAircraft      // any cache entry for the aircraft id
	TierCurrent       // registry data already on the store record
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierAircraft:
		return "aircraft"
	case TierCurrent:
		return "current"
	default:
		return "none"
	}
}

// Entry is one cached registry payload.
type Entry struct {
	AircraftID string
	RemoteID   string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// Log is the durable append-only backing store of the cache.
type Log interface {
	AppendRegistry(ctx context.Context, e Entry) error
	LoadRegistry(ctx context.Context) ([]Entry, error)
}

type cacheKey struct {
	aircraftID string
	remoteID   string
}

// Cache maps (aircraft id, remote id) to a registry payload. Entries are
// replaced wholesale, never merged.
type Cache struct {
	// writeMu serialises log appends so the log order matches map order.
	writeMu sync.Mutex

	mu      sync.RWMutex
	entries map[cacheKey]Entry
	latest  map[string]cacheKey

	log Log
	now func() time.Time
}

// NewCache creates a cache and replays log into it. log may be nil for a
// memory-only cache.
func NewCache(ctx context.Context, log Log) (*Cache, error) {
	c := &Cache{
		entries: make(map[cacheKey]Entry),
		latest:  make(map[string]cacheKey),
		log:     log,
		now:     time.Now,
	}
	if log == nil {
		return c, nil
	}

	rows, err := log.LoadRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry log: %w", err)
	}
	for _, e := range rows {
		c.setLocked(e)
	}
	return c, nil
}

func (c *Cache) setLocked(e Entry) {
	k := cacheKey{e.AircraftID, e.RemoteID}
	c.entries[k] = e
	c.latest[e.AircraftID] = k
}

// Put stores payload under (aircraftID, remoteID), writing through to the log
// before updating the map.
func (c *Cache) Put(ctx context.Context, aircraftID, remoteID string, payload json.RawMessage) error {
	e := Entry{
		AircraftID: aircraftID,
		RemoteID:   remoteID,
		Payload:    append(json.RawMessage(nil), payload...),
		CreatedAt:  c.now().UTC(),
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.log != nil {
		if err := c.log.AppendRegistry(ctx, e); err != nil {
			return fmt.Errorf("append registry log: %w", err)
		}
	}

	c.mu.Lock()
	c.setLocked(e)
	c.mu.Unlock()
	return nil
}

// Get returns the payload cached for the exact key.
func (c *Cache) Get(aircraftID, remoteID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey{aircraftID, remoteID}]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), e.Payload...), true
}

// AnyForAircraft returns the most recently written payload for aircraftID,
// whatever its remote id.
func (c *Cache) AnyForAircraft(aircraftID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	k, ok := c.latest[aircraftID]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), c.entries[k].Payload...), true
}

// Resolve walks the fallback chain: exact key, then any entry for the
// aircraft, then current. The first hit wins.
func (c *Cache) Resolve(aircraftID, remoteID string, current json.RawMessage) (json.RawMessage, Tier) {
	if remoteID != "" {
		if p, ok := c.Get(aircraftID, remoteID); ok {
			return p, TierExact
		}
	}
	if p, ok := c.AnyForAircraft(aircraftID); ok {
		return p, TierAircraft
	}
	if len(current) > 0 {
		return append(json.RawMessage(nil), current...), TierCurrent
	}
	return nil, TierNone
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

package storage

import (
	"context"
	"sync"
)

// AliasBackend persists aliases.
type AliasBackend interface {
	SaveAlias(ctx context.Context, aircraftID, alias string) error
	DeleteAlias(ctx context.Context, aircraftID string) (bool, error)
	LoadAliases(ctx context.Context) (map[string]string, error)
}

// Aliases is the in-memory alias book, written through to its backend.
type Aliases struct {
	writeMu sync.Mutex

	mu sync.RWMutex
	m  map[string]string

	backend AliasBackend
}

// NewAliases loads every alias from backend. A nil backend keeps aliases in
// memory only.
func NewAliases(ctx context.Context, backend AliasBackend) (*Aliases, error) {
	a := &Aliases{m: make(map[string]string), backend: backend}
	if backend == nil {
		return a, nil
	}
	loaded, err := backend.LoadAliases(ctx)
	if err != nil {
		return nil, err
	}
	a.m = loaded
	return a, nil
}

// Get returns the alias of an aircraft.
func (a *Aliases) Get(aircraftID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	alias, ok := a.m[aircraftID]
	return alias, ok
}

// All returns a copy of every alias.
func (a *Aliases) All() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string, len(a.m))
	for k, v := range a.m {
		out[k] = v
	}
	return out
}

// Set stores an alias.
func (a *Aliases) Set(ctx context.Context, aircraftID, alias string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.backend != nil {
		if err := a.backend.SaveAlias(ctx, aircraftID, alias); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.m[aircraftID] = alias
	a.mu.Unlock()
	return nil
}

// Clear removes an alias and reports whether one existed.
func (a *Aliases) Clear(ctx context.Context, aircraftID string) (bool, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.backend != nil {
		if _, err := a.backend.DeleteAlias(ctx, aircraftID); err != nil {
			return false, err
		}
	}
	a.mu.Lock()
	_, existed := a.m[aircraftID]
	delete(a.m, aircraftID)
	a.mu.Unlock()
	return existed, nil
}

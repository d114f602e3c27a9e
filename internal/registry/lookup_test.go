package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mesh_mapper/internal/detection"
)

type fakeQuerier struct {
	payload json.RawMessage
	err     error
	calls   int
}

func (q *fakeQuerier) Query(context.Context, string) (json.RawMessage, error) {
	q.calls++
	return q.payload, q.err
}

func newLookup(t *testing.T, q Querier) (*LookupService, *Cache, *detection.Store) {
	t.Helper()
	cache, err := NewCache(context.Background(), &memLog{})
	require.NoError(t, err)
	store := detection.NewStore()
	return NewLookupService(cache, store, q, nil, nil), cache, store
}

func TestRefreshLiveResultCachesAndWritesBack(t *testing.T) {
	q := &fakeQuerier{payload: raw(itemsPayload)}
	svc, cache, store := newLookup(t, q)

	res, err := svc.Refresh(context.Background(), "AA:BB", "R1")
	require.NoError(t, err)
	assert.True(t, res.Live)
	assert.JSONEq(t, itemsPayload, string(res.Payload))

	cached, ok := cache.Get("AA:BB", "R1")
	require.True(t, ok)
	assert.JSONEq(t, itemsPayload, string(cached))

	rec, ok := store.Get("AA:BB")
	require.True(t, ok, "lookup creates a stub record")
	assert.Equal(t, "R1", rec.RemoteID)
	assert.JSONEq(t, itemsPayload, string(rec.RegistryData))
}

func TestRefreshFallsBackOnFailure(t *testing.T) {
	q := &fakeQuerier{err: errors.New("connection reset")}
	svc, cache, _ := newLookup(t, q)
	require.NoError(t, cache.Put(context.Background(), "AA:BB", "R1", raw(`{"cached":true}`)))

	res, err := svc.Refresh(context.Background(), "AA:BB", "R2")
	require.NoError(t, err)
	assert.False(t, res.Live)
	assert.Equal(t, "aircraft", res.Tier)
	assert.JSONEq(t, `{"cached":true}`, string(res.Payload))

	// The fallback is now cached under the queried key.
	_, ok := cache.Get("AA:BB", "R2")
	assert.True(t, ok)
}

func TestRefreshFallsBackOnEmptyResult(t *testing.T) {
	q := &fakeQuerier{payload: raw(`{"data":{"items":[]}}`)}
	svc, cache, _ := newLookup(t, q)
	require.NoError(t, cache.Put(context.Background(), "AA:BB", "R1", raw(`{"cached":true}`)))

	res, err := svc.Refresh(context.Background(), "AA:BB", "R1")
	require.NoError(t, err)
	assert.Equal(t, "exact", res.Tier)
	assert.JSONEq(t, `{"cached":true}`, string(res.Payload))
}

func TestRefreshUsesCurrentStoreData(t *testing.T) {
	q := &fakeQuerier{err: errors.New("timeout")}
	svc, _, store := newLookup(t, q)
	_, err := store.Update(detection.Record{AircraftID: "AA", RegistryData: raw(`{"store":1}`)})
	require.NoError(t, err)

	res, err := svc.Refresh(context.Background(), "AA", "R1")
	require.NoError(t, err)
	assert.Equal(t, "current", res.Tier)
	assert.JSONEq(t, `{"store":1}`, string(res.Payload))
}

func TestRefreshEmptyResultWithoutFallback(t *testing.T) {
	q := &fakeQuerier{payload: raw(`{"data":{"items":[]}}`)}
	svc, cache, _ := newLookup(t, q)

	res, err := svc.Refresh(context.Background(), "AA", "R1")
	require.NoError(t, err)
	assert.True(t, res.Live)
	assert.Zero(t, cache.Len(), "empty answers are not cached")
}

func TestRefreshNoDataAnywhere(t *testing.T) {
	q := &fakeQuerier{err: errors.New("registry down")}
	svc, _, _ := newLookup(t, q)

	_, err := svc.Refresh(context.Background(), "AA", "R1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRegistryData)
	var le *LookupError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "AA", le.AircraftID)
	assert.Equal(t, "R1", le.RemoteID)
}

func TestRefreshValidatesInput(t *testing.T) {
	q := &fakeQuerier{}
	svc, _, _ := newLookup(t, q)

	_, err := svc.Refresh(context.Background(), "AA", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, q.calls)
}

// Scenario: a new remote id for a cached aircraft is enriched from the
// aircraft tier and cached under the new key.
func TestEnrichAircraftTierForNewRemoteID(t *testing.T) {
	q := &fakeQuerier{}
	svc, cache, _ := newLookup(t, q)
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, "AA:BB", "R1", raw(`{"p":"P"}`)))

	rec := svc.Enrich(ctx, detection.Record{AircraftID: "AA:BB", RemoteID: "R2"})
	assert.JSONEq(t, `{"p":"P"}`, string(rec.RegistryData))

	p, ok := cache.Get("AA:BB", "R2")
	require.True(t, ok)
	assert.JSONEq(t, `{"p":"P"}`, string(p))
	assert.Zero(t, q.calls, "enrichment never queries the registry")
}

func TestEnrichUsesStoredRemoteID(t *testing.T) {
	q := &fakeQuerier{}
	svc, cache, store := newLookup(t, q)
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, "AA", "R1", raw(`{"exact":true}`)))
	_, err := store.Update(detection.Record{AircraftID: "AA", RemoteID: "R1"})
	require.NoError(t, err)

	rec := svc.Enrich(ctx, detection.Record{AircraftID: "AA", Drone: &detection.Position3D{Lat: 1, Lon: 1}})
	assert.JSONEq(t, `{"exact":true}`, string(rec.RegistryData))
}

func TestEnrichLeavesUnchangedData(t *testing.T) {
	q := &fakeQuerier{}
	svc, cache, store := newLookup(t, q)
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, "AA", "R1", raw(`{"v":1}`)))
	_, err := store.Update(detection.Record{AircraftID: "AA", RemoteID: "R1", RegistryData: raw(`{"v":1}`)})
	require.NoError(t, err)

	rec := svc.Enrich(ctx, detection.Record{AircraftID: "AA"})
	assert.Nil(t, rec.RegistryData)
}

func TestEnrichNothingKnown(t *testing.T) {
	svc, cache, _ := newLookup(t, &fakeQuerier{})
	rec := svc.Enrich(context.Background(), detection.Record{AircraftID: "ZZ", RemoteID: "R"})
	assert.Nil(t, rec.RegistryData)
	assert.Zero(t, cache.Len())
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLog struct {
	mu      sync.Mutex
	entries []Entry
	failErr error
}

func (l *memLog) AppendRegistry(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return l.failErr
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLog) LoadRegistry(context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...), nil
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestResolveTierOrder(t *testing.T) {
	ctx := context.Background()
	c, err := NewCache(ctx, nil)
	require.NoError(t, err)

	current := raw(`{"from":"store"}`)

	p, tier := c.Resolve("AA", "R1", current)
	assert.Equal(t, TierCurrent, tier)
	assert.JSONEq(t, `{"from":"store"}`, string(p))

	require.NoError(t, c.Put(ctx, "AA", "R0", raw(`{"from":"R0"}`)))
	p, tier = c.Resolve("AA", "R1", current)
	assert.Equal(t, TierAircraft, tier)
	assert.JSONEq(t, `{"from":"R0"}`, string(p))

	require.NoError(t, c.Put(ctx, "AA", "R1", raw(`{"from":"R1"}`)))
	p, tier = c.Resolve("AA", "R1", current)
	assert.Equal(t, TierExact, tier)
	assert.JSONEq(t, `{"from":"R1"}`, string(p))

	_, tier = c.Resolve("BB", "R1", nil)
	assert.Equal(t, TierNone, tier)
}

func TestResolveAnyRemoteIDHitsAircraftTier(t *testing.T) {
	ctx := context.Background()
	c, err := NewCache(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "AA:BB", "R1", raw(`{"p":1}`)))

	for _, rid := range []string{"R2", "", "something-else"} {
		p, tier := c.Resolve("AA:BB", rid, nil)
		assert.Equal(t, TierAircraft, tier, "remote id %q", rid)
		assert.JSONEq(t, `{"p":1}`, string(p))
	}
}

func TestAnyForAircraftMostRecent(t *testing.T) {
	ctx := context.Background()
	c, err := NewCache(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "AA", "R1", raw(`{"n":1}`)))
	require.NoError(t, c.Put(ctx, "AA", "R2", raw(`{"n":2}`)))

	p, ok := c.AnyForAircraft("AA")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":2}`, string(p))
}

func TestPutOverwritesWholesale(t *testing.T) {
	ctx := context.Background()
	c, err := NewCache(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "AA", "R1", raw(`{"a":1,"b":2}`)))
	require.NoError(t, c.Put(ctx, "AA", "R1", raw(`{"c":3}`)))

	p, ok := c.Get("AA", "R1")
	require.True(t, ok)
	assert.JSONEq(t, `{"c":3}`, string(p))
	assert.Equal(t, 1, c.Len())
}

func TestCacheReplaysLog(t *testing.T) {
	ctx := context.Background()
	log := &memLog{}

	c, err := NewCache(ctx, log)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "AA", "R1", raw(`{"v":1}`)))
	require.NoError(t, c.Put(ctx, "AA", "R1", raw(`{"v":2}`)))
	require.NoError(t, c.Put(ctx, "BB", "R9", raw(`{"v":9}`)))
	require.Len(t, log.entries, 3)

	reloaded, err := NewCache(ctx, log)
	require.NoError(t, err)
	p, ok := reloaded.Get("AA", "R1")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(p), "last row per key wins")
	assert.Equal(t, 2, reloaded.Len())
}

func TestPutLogFailureLeavesMapUntouched(t *testing.T) {
	ctx := context.Background()
	log := &memLog{failErr: errors.New("disk full")}
	c, err := NewCache(ctx, log)
	require.NoError(t, err)

	err = c.Put(ctx, "AA", "R1", raw(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, log.failErr)

	_, ok := c.Get("AA", "R1")
	assert.False(t, ok)
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "exact", TierExact.String())
	assert.Equal(t, "aircraft", TierAircraft.String())
	assert.Equal(t, "current", TierCurrent.String())
	assert.Equal(t, "none", TierNone.String())
}

package housekeeping

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mesh_mapper/internal/detection"
	"mesh_mapper/internal/logging"
	"mesh_mapper/internal/source"
)

func TestEvictDropsStaleDetections(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	store := detection.NewStore(detection.WithClock(func() time.Time { return clock }))

	_, err := store.Update(detection.Record{AircraftID: "old"})
	require.NoError(t, err)
	clock = base.Add(50 * time.Second)
	_, err = store.Update(detection.Record{AircraftID: "fresh"})
	require.NoError(t, err)

	s := New(store, nil, Config{StaleAfter: time.Minute}, nil, nil)
	s.now = func() time.Time { return base.Add(61 * time.Second) }
	s.Evict()

	assert.False(t, store.IsActive("old"))
	assert.True(t, store.IsActive("fresh"))
	assert.Equal(t, 1, store.Len())
}

func TestLogStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, logging.Config{Level: "info"})
	store := detection.NewStore()
	_, err := store.Update(detection.Record{AircraftID: "d1"})
	require.NoError(t, err)

	feeds := func() []source.Status {
		return []source.Status{{Feed: "nats:mesh", State: "streaming", Frames: 7}}
	}
	s := New(store, feeds, Config{StaleAfter: time.Minute}, logger, nil)
	s.LogStatus()

	out := buf.String()
	assert.Contains(t, out, "msg=status")
	assert.Contains(t, out, "active=1")
	assert.Contains(t, out, "history=1")
	assert.Contains(t, out, "nats:mesh.state=streaming")
	assert.Contains(t, out, "nats:mesh.frames=7")
}

func TestStartRunsJobsUntilCancelled(t *testing.T) {
	store := detection.NewStore()
	_, err := store.Update(detection.Record{AircraftID: "d1"})
	require.NoError(t, err)

	s := New(store, nil, Config{
		StaleAfter:     time.Millisecond,
		EvictInterval:  time.Second,
		StatusInterval: time.Hour,
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return store.Len() == 0 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"mac":"AA"}`, `{"mac":"AA"}`},
		{"  [RX] node 3: {\"mac\":\"AA\"}\r\n", `{"mac":"AA"}`},
		{"no json here", "no json here"},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(ExtractJSON([]byte(tt.in))), "input %q", tt.in)
	}
}

func TestParseFrameAliases(t *testing.T) {
	f, err := ParseFrame([]byte(`{"mac":"AA:BB","rssi":"-61.6","basic_id":"B1","remote_id":"R1","drone_lat":"51.5","drone_long":-0.12,"drone_altitude":120}`))
	require.NoError(t, err)

	assert.Equal(t, "AA:BB", f.ID())
	assert.Equal(t, "B1", f.Remote(), "basic_id wins over remote_id")

	rec := f.Record("serial:/dev/ttyACM0")
	assert.Equal(t, "AA:BB", rec.AircraftID)
	assert.Equal(t, "B1", rec.RemoteID)
	assert.Equal(t, "serial:/dev/ttyACM0", rec.Source)
	require.NotNil(t, rec.SignalStrength)
	assert.Equal(t, -62, *rec.SignalStrength)
	require.NotNil(t, rec.Drone)
	assert.Equal(t, 51.5, rec.Drone.Lat)
	assert.Equal(t, -0.12, rec.Drone.Lon)
	assert.Equal(t, 120.0, rec.Drone.Alt)
	assert.Nil(t, rec.Pilot)
}

func TestFrameRecordNoFix(t *testing.T) {
	f, err := ParseFrame([]byte(`{"aircraft_id":"A","drone_lat":0,"drone_long":0,"pilot_lat":10,"pilot_long":0,"signal_strength":-40}`))
	require.NoError(t, err)

	rec := f.Record("nats")
	assert.Nil(t, rec.Drone)
	assert.Nil(t, rec.Pilot, "a pilot position needs both coordinates")
	require.NotNil(t, rec.SignalStrength)
	assert.Equal(t, -40, *rec.SignalStrength)
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	_, err := ParseFrame([]byte(`{"mac":"AA","drone_lat":"north"}`))
	assert.Error(t, err)

	_, err = ParseFrame([]byte(`{"mac":`))
	assert.Error(t, err)

	_, err = ParseFrame([]byte(""))
	assert.Error(t, err)
}

func TestNormalizerInheritsLastID(t *testing.T) {
	n := NewNormalizer("serial:/dev/ttyACM0")

	rec, err := n.Normalize([]byte(`{"mac":"AA:BB","drone_lat":10,"drone_long":20}`))
	require.NoError(t, err)
	assert.Equal(t, "AA:BB", rec.AircraftID)

	rec, err = n.Normalize([]byte(`{"remote_id":"R1"}`))
	require.NoError(t, err)
	assert.Equal(t, "AA:BB", rec.AircraftID)
	assert.Equal(t, "R1", rec.RemoteID)
}

func TestNormalizerDropsHeartbeat(t *testing.T) {
	n := NewNormalizer("nats")

	_, err := n.Normalize([]byte(`{"heartbeat":true,"mac":"CC"}`))
	assert.ErrorIs(t, err, ErrHeartbeat)
	assert.Equal(t, "CC", n.LastID(), "heartbeats still update the feed's last id")
}

func TestNormalizerParseError(t *testing.T) {
	n := NewNormalizer("nats")

	_, err := n.Normalize([]byte("boot: {broken"))
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "nats", fe.Feed)
	assert.Contains(t, fe.Error(), "bad frame")
}

func TestNormalizerNoID(t *testing.T) {
	n := NewNormalizer("nats")
	_, err := n.Normalize([]byte(`{"drone_lat":1,"drone_long":2}`))
	assert.ErrorIs(t, err, ErrNoAircraftID)
}

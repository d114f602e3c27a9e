// Package source reads detection frames from sensor feeds and normalises
// them into detection records.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"mesh_mapper/internal/detection"
)

var (
	// ErrHeartbeat marks a keep-alive frame that carries no detection.
	ErrHeartbeat = errors.New("heartbeat frame")

	// ErrNoAircraftID is returned when a frame has no id and the feed has
	// not seen one yet.
	ErrNoAircraftID = errors.New("frame has no aircraft id")
)

// FrameError is a frame that could not be parsed. The feed drops it and
// carries on.
type FrameError struct {
	Feed string
	Raw  string
	Err  error
}

func (e *FrameError) Error() string {
	raw := e.Raw
	if len(raw) > 80 {
		raw = raw[:80] + "..."
	}
	return fmt.Sprintf("%s: bad frame %q: %v", e.Feed, raw, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// FlexFloat handles JSON fields that can be either string or number.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = FlexFloat(v)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("not a number: %s", data)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*f = FlexFloat(v)
	return nil
}

func (f *FlexFloat) value() float64 {
	if f == nil {
		return 0
	}
	return float64(*f)
}

// Frame is one decoded detection report. Fields are pointers where the
// frame may omit them.
type Frame struct {
	AircraftID     string          `json:"aircraft_id"`
	MAC            string          `json:"mac"`
	DroneLat       *FlexFloat      `json:"drone_lat"`
	DroneLon       *FlexFloat      `json:"drone_long"`
	DroneAlt       *FlexFloat      `json:"drone_altitude"`
	PilotLat       *FlexFloat      `json:"pilot_lat"`
	PilotLon       *FlexFloat      `json:"pilot_long"`
	SignalStrength *FlexFloat      `json:"signal_strength"`
	RSSI           *FlexFloat      `json:"rssi"`
	RemoteID       string          `json:"remote_id"`
	BasicID        string          `json:"basic_id"`
	Heartbeat      json.RawMessage `json:"heartbeat"`
}

// ID returns the aircraft id, preferring aircraft_id over mac.
func (f Frame) ID() string {
	if f.AircraftID != "" {
		return f.AircraftID
	}
	return f.MAC
}

// Remote returns the remote id, preferring basic_id over remote_id.
func (f Frame) Remote() string {
	if f.BasicID != "" {
		return f.BasicID
	}
	return f.RemoteID
}

// ExtractJSON trims a raw line and returns the text from its first '{'.
// Receivers prefix frames with log noise.
func ExtractJSON(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if i := bytes.IndexByte(line, '{'); i >= 0 {
		return line[i:]
	}
	return line
}

// ParseFrame decodes one raw frame.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	body := ExtractJSON(raw)
	if len(body) == 0 {
		return f, errors.New("empty frame")
	}
	if err := json.Unmarshal(body, &f); err != nil {
		return f, err
	}
	return f, nil
}

// Record converts the frame to a store update. A zero drone or pilot
// coordinate means no fix, so the position is left unset.
func (f Frame) Record(feed string) detection.Record {
	rec := detection.Record{
		AircraftID: f.ID(),
		RemoteID:   f.Remote(),
		Source:     feed,
	}

	if lat, lon := f.DroneLat.value(), f.DroneLon.value(); lat != 0 && lon != 0 {
		rec.Drone = &detection.Position3D{Lat: lat, Lon: lon, Alt: f.DroneAlt.value()}
	}
	if lat, lon := f.PilotLat.value(), f.PilotLon.value(); lat != 0 && lon != 0 {
		rec.Pilot = &detection.Position2D{Lat: lat, Lon: lon}
	}

	signal := f.SignalStrength
	if signal == nil {
		signal = f.RSSI
	}
	if signal != nil {
		v := int(math.Round(signal.value()))
		rec.SignalStrength = &v
	}
	return rec
}

// Normalizer turns raw frames from one feed into records. Frames without an
// aircraft id inherit the last id the feed saw. Not safe for concurrent use;
// each feed owns one.
type Normalizer struct {
	feed   string
	lastID string
}

// NewNormalizer creates a normalizer for a feed.
func NewNormalizer(feed string) *Normalizer {
	return &Normalizer{feed: feed}
}

// Normalize parses raw. It returns ErrHeartbeat for keep-alive frames,
// *FrameError for unparseable ones and ErrNoAircraftID when no id can be
// attributed.
func (n *Normalizer) Normalize(raw []byte) (detection.Record, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return detection.Record{}, &FrameError{Feed: n.feed, Raw: string(bytes.TrimSpace(raw)), Err: err}
	}

	if id := f.ID(); id != "" {
		n.lastID = id
	} else if n.lastID != "" {
		f.AircraftID = n.lastID
	}

	if f.Heartbeat != nil {
		return detection.Record{}, ErrHeartbeat
	}
	if f.ID() == "" {
		return detection.Record{}, ErrNoAircraftID
	}
	return f.Record(n.feed), nil
}

// LastID returns the last aircraft id seen on the feed.
func (n *Normalizer) LastID() string {
	return n.lastID
}

// Package detection holds the authoritative per-aircraft state fused from
// every sensor feed, plus the append-only history of updates.
package detection

import (
	"encoding/json"
	"time"
)

// Position3D is a drone fix. A zero latitude or longitude means "no fix".
type Position3D struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// Valid returns true if the position carries a usable fix.
func (p *Position3D) Valid() bool {
	return p != nil && p.Lat != 0 && p.Lon != 0
}

// Position2D is a ground position reported for the pilot.
type Position2D struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid returns true if the position carries a usable fix.
func (p *Position2D) Valid() bool {
	return p != nil && p.Lat != 0 && p.Lon != 0
}

// Record is the fused state of one aircraft. Optional fields are pointers so
// an absent value can be told apart from a zero value.
type Record struct {
	AircraftID     string          `json:"aircraft_id"`
	Drone          *Position3D     `json:"drone,omitempty"`
	Pilot          *Position2D     `json:"pilot,omitempty"`
	SignalStrength *int            `json:"signal_strength,omitempty"`
	RemoteID       string          `json:"remote_id,omitempty"`
	RegistryData   json.RawMessage `json:"registry_data,omitempty"`
	Source         string          `json:"source,omitempty"`
	LastUpdate     time.Time       `json:"last_update"`
}

// HasFix returns true if the record holds a valid drone position.
func (r Record) HasFix() bool {
	return r.Drone.Valid()
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.Drone != nil {
		d := *r.Drone
		out.Drone = &d
	}
	if r.Pilot != nil {
		p := *r.Pilot
		out.Pilot = &p
	}
	if r.SignalStrength != nil {
		s := *r.SignalStrength
		out.SignalStrength = &s
	}
	if r.RegistryData != nil {
		out.RegistryData = append(json.RawMessage(nil), r.RegistryData...)
	}
	return out
}

// merge overwrites the fields explicitly present on in. An invalid drone or
// pilot position never replaces a stored one, and an empty remote id never
// clears the stored one.
func (r *Record) merge(in Record) {
	if in.Drone.Valid() {
		d := *in.Drone
		r.Drone = &d
	}
	if in.Pilot.Valid() {
		p := *in.Pilot
		r.Pilot = &p
	}
	if in.SignalStrength != nil {
		s := *in.SignalStrength
		r.SignalStrength = &s
	}
	if in.RemoteID != "" {
		r.RemoteID = in.RemoteID
	}
	if len(in.RegistryData) > 0 {
		r.RegistryData = append(json.RawMessage(nil), in.RegistryData...)
	}
	if in.Source != "" {
		r.Source = in.Source
	}
}

// HistoryEntry is an immutable copy of a record taken at update time.
type HistoryEntry struct {
	ID     string `json:"id"`
	Seq    uint64 `json:"seq"`
	Record Record `json:"record"`
}

// HistorySink receives every appended history entry. Enqueue is called
// outside the store lock and must not block.
type HistorySink interface {
	Enqueue(entry HistoryEntry)
}

// Path is the deduplicated track of one aircraft.
type Path struct {
	AircraftID string       `json:"aircraft_id"`
	Drone      [][2]float64 `json:"drone"`
	Pilot      [][2]float64 `json:"pilot"`
}

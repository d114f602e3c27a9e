// Package cot renders detection records as Cursor-on-Target point events.
package cot

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mesh_mapper/internal/detection"
)

const (
	TypeDrone = "a-u-A-M-H-Q"
	TypePilot = "a-u-G-U-C"

	howMachineGPS = "m-g"
	version       = "2.0"

	// unknownError is the CoT sentinel for an unknown circular or linear error.
	unknownError = "9999999.0"

	timeLayout = "2006-01-02T15:04:05.000Z"
)

// Event is a CoT event carrying a single point.
type Event struct {
	XMLName xml.Name `xml:"event"`
	Version string   `xml:"version,attr"`
	UID     string   `xml:"uid,attr"`
	Type    string   `xml:"type,attr"`
	How     string   `xml:"how,attr"`
	Time    string   `xml:"time,attr"`
	Start   string   `xml:"start,attr"`
	Stale   string   `xml:"stale,attr"`
	Point   Point    `xml:"point"`
	Detail  Detail   `xml:"detail"`
}

// Point holds coordinates as preformatted strings so values render in
// plain decimal notation.
type Point struct {
	Lat string `xml:"lat,attr"`
	Lon string `xml:"lon,attr"`
	Hae string `xml:"hae,attr"`
	CE  string `xml:"ce,attr"`
	LE  string `xml:"le,attr"`
}

type Detail struct {
	Contact *Contact `xml:"contact,omitempty"`
	Remarks string   `xml:"remarks,omitempty"`
}

type Contact struct {
	Callsign string `xml:"callsign,attr"`
}

// FormatTime renders t as UTC ISO-8601 with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// DroneUID returns the event uid of an aircraft's drone marker.
func DroneUID(aircraftID string) string { return "drone-" + aircraftID }

// PilotUID returns the event uid of an aircraft's pilot marker.
func PilotUID(aircraftID string) string { return "pilot-" + aircraftID }

func newEvent(uid, typ string, now time.Time, staleAfter time.Duration, lat, lon, hae float64, callsign, remarks string) Event {
	ts := FormatTime(now)
	ev := Event{
		Version: version,
		UID:     uid,
		Type:    typ,
		How:     howMachineGPS,
		Time:    ts,
		Start:   ts,
		Stale:   FormatTime(now.Add(staleAfter)),
		Point: Point{
			Lat: formatCoord(lat),
			Lon: formatCoord(lon),
			Hae: formatCoord(hae),
			CE:  unknownError,
			LE:  unknownError,
		},
		Detail: Detail{Remarks: remarks},
	}
	if callsign != "" {
		ev.Detail.Contact = &Contact{Callsign: callsign}
	}
	return ev
}

// NewDroneEvent renders the drone marker of rec. ok is false when rec has
// no usable drone position.
func NewDroneEvent(rec detection.Record, now time.Time, staleAfter time.Duration, callsign string) (Event, bool) {
	if !rec.Drone.Valid() {
		return Event{}, false
	}
	if callsign == "" {
		callsign = rec.AircraftID
	}
	return newEvent(DroneUID(rec.AircraftID), TypeDrone, now, staleAfter,
		rec.Drone.Lat, rec.Drone.Lon, rec.Drone.Alt, callsign, remarks(rec)), true
}

// NewPilotEvent renders the pilot marker of rec. ok is false when rec has
// no valid pilot position.
func NewPilotEvent(rec detection.Record, now time.Time, staleAfter time.Duration, callsign string) (Event, bool) {
	if !rec.Pilot.Valid() {
		return Event{}, false
	}
	if callsign == "" {
		callsign = rec.AircraftID
	}
	return newEvent(PilotUID(rec.AircraftID), TypePilot, now, staleAfter,
		rec.Pilot.Lat, rec.Pilot.Lon, 0, callsign+" pilot", remarks(rec)), true
}

func remarks(rec detection.Record) string {
	var parts []string
	if rec.RemoteID != "" {
		parts = append(parts, "RemoteID: "+rec.RemoteID)
	}
	if rec.SignalStrength != nil {
		parts = append(parts, fmt.Sprintf("RSSI: %d dBm", *rec.SignalStrength))
	}
	return strings.Join(parts, "; ")
}

// xmlDecl is the XML header without its trailing newline; events are
// newline-delimited on the wire.
var xmlDecl = strings.TrimSuffix(xml.Header, "\n")

// Marshal encodes the event as a single-line XML document.
func (e Event) Marshal() ([]byte, error) {
	body, err := xml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cot event %s: %w", e.UID, err)
	}
	return append([]byte(xmlDecl), body...), nil
}

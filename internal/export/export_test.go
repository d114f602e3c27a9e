package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mesh_mapper/internal/detection"
)

type names map[string]string

func (n names) Get(id string) (string, bool) {
	v, ok := n[id]
	return v, ok
}

var seen = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRecords() []detection.Record {
	rssi := -58
	return []detection.Record{
		{
			AircraftID: "BB:BB",
			Pilot:      &detection.Position2D{Lat: 10, Lon: 20},
			LastUpdate: seen,
		},
		{
			AircraftID:     "AA:AA",
			Drone:          &detection.Position3D{Lat: 40.5, Lon: -74.25, Alt: 110.5},
			Pilot:          &detection.Position2D{Lat: 40.4, Lon: -74.2},
			SignalStrength: &rssi,
			RemoteID:       "RID-1",
			RegistryData:   json.RawMessage(`{"data":{"items":[]}}`),
			LastUpdate:     seen,
		},
	}
}

func TestBuildKML(t *testing.T) {
	doc := BuildKML(sampleRecords(), names{"AA:AA": "Red Hawk"}, seen)

	assert.Equal(t, kmlNamespace, doc.Namespace)
	require.Len(t, doc.Document.Styles, 2)

	pms := doc.Document.Placemarks
	require.Len(t, pms, 3)
	assert.Equal(t, "Drone Red Hawk (RID-1)", pms[0].Name)
	assert.Equal(t, "#drone", pms[0].StyleURL)
	assert.Equal(t, "-74.250000,40.500000,110.5", pms[0].Point.Coordinates)
	assert.Contains(t, pms[0].Description, "RSSI: -58 dBm")
	assert.Equal(t, "Pilot Red Hawk (RID-1)", pms[1].Name)
	assert.Equal(t, "Pilot BB:BB", pms[2].Name, "pilot-only records still get a pilot marker")
	assert.Equal(t, "20.000000,10.000000,0", pms[2].Point.Coordinates)
}

func TestWriteKML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKML(&buf, BuildKML(sampleRecords(), nil, seen)))

	out := buf.String()
	assert.Contains(t, out, `<?xml version="1.0" encoding="UTF-8"?>`)
	assert.Contains(t, out, `<kml xmlns="http://www.opengis.net/kml/2.2">`)

	var back KML
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &back))
	assert.Len(t, back.Document.Placemarks, 3)
}

func TestWriteHistoryCSV(t *testing.T) {
	recs := sampleRecords()
	entries := []detection.HistoryEntry{{Seq: 1, Record: recs[1]}, {Seq: 2, Record: recs[0]}}

	var buf bytes.Buffer
	require.NoError(t, WriteHistoryCSV(&buf, entries))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{
		"2025-03-01T12:00:00Z", "AA:AA", "-58", "40.5", "-74.25", "110.5", "40.4", "-74.2", "RID-1", `{"data":{"items":[]}}`,
	}, rows[1])
	assert.Equal(t, []string{"2025-03-01T12:00:00Z", "BB:BB", "", "", "", "", "10", "20", "", ""}, rows[2])
}

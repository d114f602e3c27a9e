package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"mesh_mapper/internal/detection"
)

// CSVHeader is the column layout of a history export.
var CSVHeader = []string{
	"timestamp", "mac", "rssi", "drone_lat", "drone_long",
	"drone_altitude", "pilot_lat", "pilot_long", "basic_id", "faa_data",
}

// WriteHistoryCSV writes one row per history entry. Absent positions and
// signal strength are written as empty cells.
func WriteHistoryCSV(w io.Writer, entries []detection.HistoryEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write(csvRow(e.Record)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(rec detection.Record) []string {
	row := make([]string, len(CSVHeader))
	row[0] = rec.LastUpdate.UTC().Format(time.RFC3339Nano)
	row[1] = rec.AircraftID
	if rec.SignalStrength != nil {
		row[2] = strconv.Itoa(*rec.SignalStrength)
	}
	if rec.Drone != nil {
		row[3] = formatFloat(rec.Drone.Lat)
		row[4] = formatFloat(rec.Drone.Lon)
		row[5] = formatFloat(rec.Drone.Alt)
	}
	if rec.Pilot != nil {
		row[6] = formatFloat(rec.Pilot.Lat)
		row[7] = formatFloat(rec.Pilot.Lon)
	}
	row[8] = rec.RemoteID
	row[9] = string(rec.RegistryData)
	return row
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

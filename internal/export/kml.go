// Package export renders detections as KML and CSV documents.
package export

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"mesh_mapper/internal/detection"
)

// KML structures for XML marshalling, following KML 2.2.

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

type Style struct {
	ID        string    `xml:"id,attr"`
	IconStyle IconStyle `xml:"IconStyle"`
}

type IconStyle struct {
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

type Icon struct {
	Href string `xml:"href"`
}

// Placemark is one drone or pilot marker.
type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	Point        Point         `xml:"Point"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

type Point struct {
	Coordinates string `xml:"coordinates"` // lon,lat,altitude
}

type ExtendedData struct {
	Data []Data `xml:"Data"`
}

type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

const (
	kmlNamespace = "http://www.opengis.net/kml/2.2"
	droneIcon    = "http://maps.google.com/mapfiles/kml/shapes/heliport.png"
	pilotIcon    = "http://maps.google.com/mapfiles/kml/shapes/man.png"
)

// Names resolves display names for aircraft.
type Names interface {
	Get(aircraftID string) (string, bool)
}

// BuildKML creates a KML document with a drone placemark for every record
// with a fix and a pilot placemark for every valid pilot position. Records
// are ordered by aircraft id. names may be nil.
func BuildKML(records []detection.Record, names Names, generated time.Time) KML {
	sorted := append([]detection.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AircraftID < sorted[j].AircraftID })

	var placemarks []Placemark
	for _, rec := range sorted {
		label := rec.AircraftID
		if names != nil {
			if alias, ok := names.Get(rec.AircraftID); ok && alias != "" {
				label = alias
			}
		}
		if rec.RemoteID != "" {
			label += " (" + rec.RemoteID + ")"
		}
		data := extendedData(rec)

		if rec.Drone.Valid() {
			placemarks = append(placemarks, Placemark{
				Name:         "Drone " + label,
				Description:  description(rec),
				StyleURL:     "#drone",
				Point:        Point{Coordinates: coords(rec.Drone.Lon, rec.Drone.Lat, rec.Drone.Alt)},
				ExtendedData: data,
			})
		}
		if rec.Pilot.Valid() {
			placemarks = append(placemarks, Placemark{
				Name:         "Pilot " + label,
				StyleURL:     "#pilot",
				Point:        Point{Coordinates: coords(rec.Pilot.Lon, rec.Pilot.Lat, 0)},
				ExtendedData: data,
			})
		}
	}

	return KML{
		Namespace: kmlNamespace,
		Document: Document{
			Name:        "Drone Detections",
			Description: fmt.Sprintf("Generated %s.", generated.UTC().Format("2006-01-02 15:04:05 UTC")),
			Styles: []Style{
				{ID: "drone", IconStyle: IconStyle{Scale: 1.2, Icon: Icon{Href: droneIcon}}},
				{ID: "pilot", IconStyle: IconStyle{Scale: 1.2, Icon: Icon{Href: pilotIcon}}},
			},
			Placemarks: placemarks,
		},
	}
}

func coords(lon, lat, alt float64) string {
	return fmt.Sprintf("%.6f,%.6f,%s", lon, lat, strconv.FormatFloat(alt, 'f', -1, 64))
}

func description(rec detection.Record) string {
	d := "Last seen: " + rec.LastUpdate.UTC().Format("2006-01-02 15:04:05 UTC")
	if rec.SignalStrength != nil {
		d += fmt.Sprintf("\nRSSI: %d dBm", *rec.SignalStrength)
	}
	return d
}

func extendedData(rec detection.Record) *ExtendedData {
	data := []Data{
		{Name: "aircraft_id", Value: rec.AircraftID},
		{Name: "last_update", Value: rec.LastUpdate.UTC().Format(time.RFC3339)},
	}
	if rec.RemoteID != "" {
		data = append(data, Data{Name: "remote_id", Value: rec.RemoteID})
	}
	if len(rec.RegistryData) > 0 {
		data = append(data, Data{Name: "registry_data", Value: string(rec.RegistryData)})
	}
	return &ExtendedData{Data: data}
}

// WriteKML writes doc with an XML header.
func WriteKML(w io.Writer, doc KML) error {
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal kml: %w", err)
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// Package kml renders polygons as the KML documents the platform's geozone import accepts.
package kml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strconv"
	"strings"

	"fleetsync/internal/model"
)

const namespace = "http://www.opengis.net/kml/2.2"

// Placemark is one named polygon.
type Placemark struct {
	Name string
	Ring []model.GeoPoint
}

type kmlDoc struct {
	XMLName  xml.Name `xml:"kml"`
	XMLNS    string   `xml:"xmlns,attr"`
	Document document `xml:"Document"`
}

type document struct {
	Name       string         `xml:"name"`
	Placemarks []xmlPlacemark `xml:"Placemark"`
}

type xmlPlacemark struct {
	Name    string     `xml:"name"`
	Polygon xmlPolygon `xml:"Polygon"`
}

type xmlPolygon struct {
	Coordinates string `xml:"outerBoundaryIs>LinearRing>coordinates"`
}

// Document encodes the placemarks into a KML 2.2 document.
func Document(name string, placemarks []Placemark) ([]byte, error) {
	if len(placemarks) == 0 {
		return nil, errors.New("kml: no placemarks")
	}
	doc := kmlDoc{XMLNS: namespace, Document: document{Name: name}}
	for _, p := range placemarks {
		if len(p.Ring) < 4 {
			return nil, errors.New("kml: ring " + strconv.Quote(p.Name) + " needs at least 4 points")
		}
		doc.Document.Placemarks = append(doc.Document.Placemarks, xmlPlacemark{Name: p.Name, Polygon: xmlPolygon{Coordinates: Coordinates(p.Ring)}})
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Coordinates formats a ring as "lon,lat,0" tuples separated by spaces.
func Coordinates(ring []model.GeoPoint) string {
	parts := make([]string, len(ring))
	for i, p := range ring {
		parts[i] = strconv.FormatFloat(p.Lng, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64) + ",0"
	}
	return strings.Join(parts, " ")
}

// Package geo implements the pure geometry used to turn geofences and routes
// into polygons the platform accepts. Nothing here performs I/O.
package geo

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"fleetsync/internal/model"
)

// EarthRadiusM is the mean Earth radius used by every spherical computation in this package.
const EarthRadiusM = 6371008.8

// DefaultCircleSegments is used when a caller passes segments <= 0.
const DefaultCircleSegments = 48

// ErrPointBudget is returned when a route cannot be split into polygons within the point budget.
var ErrPointBudget = errors.New("point budget exceeded")

// ValidationError describes malformed geometry input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid geometry %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == model.ErrValidation }

// Validate checks that pts has at least min points and every coordinate is finite and in range.
func Validate(field string, pts []model.GeoPoint, min int) error {
	if len(pts) < min {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("need at least %d points, got %d", min, len(pts))}
	}
	for i, p := range pts {
		if err := validatePoint(p); err != nil {
			return &ValidationError{Field: fmt.Sprintf("%s[%d]", field, i), Reason: err.Error()}
		}
	}
	return nil
}

func validatePoint(p model.GeoPoint) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return errors.New("non-finite coordinate")
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("coordinate out of range (%v,%v)", p.Lat, p.Lng)
	}
	return nil
}

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(a, b model.GeoPoint) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Destination walks distM meters from p along the initial bearing (radians, clockwise from north).
func Destination(p model.GeoPoint, bearing, distM float64) model.GeoPoint {
	lat1, lon1 := rad(p.Lat), rad(p.Lng)
	d := distM / EarthRadiusM
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(bearing))
	lon2 := lon1 + math.Atan2(math.Sin(bearing)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))
	return model.GeoPoint{Lat: deg(lat2), Lng: normalizeLon(deg(lon2))}
}

// ApproximateCircle samples segments points on the circle around center and closes the ring.
func ApproximateCircle(center model.GeoPoint, radiusM float64, segments int) ([]model.GeoPoint, error) {
	if err := validatePoint(center); err != nil {
		return nil, &ValidationError{Field: "center", Reason: err.Error()}
	}
	if math.IsNaN(radiusM) || math.IsInf(radiusM, 0) || radiusM <= 0 {
		return nil, &ValidationError{Field: "radius", Reason: "must be a positive finite number"}
	}
	if segments <= 0 {
		segments = DefaultCircleSegments
	}
	if segments < 3 {
		segments = 3
	}
	ring := make([]model.GeoPoint, 0, segments+1)
	for i := 0; i < segments; i++ {
		ring = append(ring, Destination(center, 2*math.Pi*float64(i)/float64(segments), radiusM))
	}
	return append(ring, ring[0]), nil
}

// NormalizeRing rounds to 6 decimals, drops consecutive duplicates and closes the ring.
func NormalizeRing(pts []model.GeoPoint) []model.GeoPoint {
	out := make([]model.GeoPoint, 0, len(pts)+1)
	for _, p := range pts {
		r := model.GeoPoint{Lat: round6(p.Lat), Lng: round6(p.Lng)}
		if n := len(out); n > 0 && out[n-1] == r {
			continue
		}
		out = append(out, r)
	}
	if len(out) > 1 && out[0] != out[len(out)-1] {
		out = append(out, out[0])
	}
	return out
}

// Hash returns the content hash of one or more rings after normalization.
// Two inputs hash equal iff they normalize to the same rounded, closed point sequences.
func Hash(rings ...[]model.GeoPoint) string {
	var b strings.Builder
	for i, ring := range rings {
		if i > 0 {
			b.WriteByte('|')
		}
		for _, p := range NormalizeRing(ring) {
			b.WriteString(strconv.FormatFloat(p.Lat, 'f', 6, 64))
			b.WriteByte(',')
			b.WriteString(strconv.FormatFloat(p.Lng, 'f', 6, 64))
			b.WriteByte(';')
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func rad(d float64) float64 { return d * math.Pi / 180 }
func deg(r float64) float64 { return r * 180 / math.Pi }

func round6(v float64) float64 {
	r := math.Round(v*1e6) / 1e6
	if r == 0 {
		return 0 // fold -0
	}
	return r
}

func normalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

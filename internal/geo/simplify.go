package geo

import (
	"math"

	"fleetsync/internal/model"
)

// plane is a local equirectangular projection centered on a point set's mean position.
// Accurate to well under a percent for the few-kilometre extents a corridor chunk covers.
type plane struct {
	lat0, lon0, cosLat0 float64
}

type xy struct{ X, Y float64 }

func newPlane(pts []model.GeoPoint) plane {
	var sLat, sLon float64
	for _, p := range pts {
		sLat += p.Lat
		sLon += p.Lng
	}
	n := float64(len(pts))
	if n == 0 {
		return plane{cosLat0: 1}
	}
	lat0 := sLat / n
	return plane{lat0: lat0, lon0: sLon / n, cosLat0: math.Cos(rad(lat0))}
}

func (pl plane) project(p model.GeoPoint) xy {
	return xy{X: rad(p.Lng-pl.lon0) * EarthRadiusM * pl.cosLat0, Y: rad(p.Lat-pl.lat0) * EarthRadiusM}
}

func (pl plane) unproject(v xy) model.GeoPoint {
	lat := pl.lat0 + deg(v.Y/EarthRadiusM)
	lon := pl.lon0
	if pl.cosLat0 > 1e-12 {
		lon += deg(v.X / (EarthRadiusM * pl.cosLat0))
	}
	return model.GeoPoint{Lat: lat, Lng: normalizeLon(lon)}
}

// Simplify applies Ramer-Douglas-Peucker with the given tolerance in meters.
// Endpoints are always kept; fewer than 3 points or a non-positive tolerance returns a copy.
func Simplify(pts []model.GeoPoint, toleranceM float64) []model.GeoPoint {
	out := append([]model.GeoPoint(nil), pts...)
	if len(pts) < 3 || !(toleranceM > 0) {
		return out
	}
	pl := newPlane(pts)
	proj := make([]xy, len(pts))
	for i, p := range pts {
		proj[i] = pl.project(p)
	}
	keep := make([]bool, len(pts))
	keep[0], keep[len(pts)-1] = true, true

	type span struct{ first, last int }
	stack := []span{{0, len(pts) - 1}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if s.last-s.first < 2 {
			continue
		}
		maxD, idx := -1.0, -1
		for i := s.first + 1; i < s.last; i++ {
			if d := segmentDistance(proj[i], proj[s.first], proj[s.last]); d > maxD {
				maxD, idx = d, i
			}
		}
		if maxD > toleranceM {
			keep[idx] = true
			stack = append(stack, span{s.first, idx}, span{idx, s.last})
		}
	}
	out = out[:0]
	for i, k := range keep {
		if k {
			out = append(out, pts[i])
		}
	}
	return out
}

// segmentDistance is the distance from p to segment ab; degenerate segments fall back to point distance.
func segmentDistance(p, a, b xy) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.X-(a.X+t*dx), p.Y-(a.Y+t*dy))
}

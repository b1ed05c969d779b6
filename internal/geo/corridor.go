package geo

import (
	"fmt"
	"math"

	"fleetsync/internal/model"
)

// DefaultCapSegments is the number of arc steps used for each rounded corridor end.
const DefaultCapSegments = 8

// maxMiter caps how far a joint vertex may be pushed out on sharp turns (multiples of the buffer).
const maxMiter = 2.0

// BuildCorridor buffers a polyline into a single closed polygon: the left rail forward,
// a rounded cap at the end, the right rail backward and a rounded cap at the start.
// A polyline that collapses to one point becomes a circle of radius bufferM.
func BuildCorridor(pts []model.GeoPoint, bufferM float64, capSegments int) ([]model.GeoPoint, error) {
	if err := Validate("points", pts, 1); err != nil {
		return nil, err
	}
	if math.IsNaN(bufferM) || math.IsInf(bufferM, 0) || bufferM <= 0 {
		return nil, &ValidationError{Field: "bufferM", Reason: "must be a positive finite number"}
	}
	if capSegments <= 0 {
		capSegments = DefaultCapSegments
	}
	if capSegments < 2 {
		capSegments = 2
	}

	pl := newPlane(pts)
	line := make([]xy, 0, len(pts))
	for _, p := range pts {
		v := pl.project(p)
		if n := len(line); n > 0 && line[n-1] == v {
			continue
		}
		line = append(line, v)
	}
	if len(line) == 1 {
		return ApproximateCircle(pl.unproject(line[0]), bufferM, 2*capSegments)
	}

	n := len(line)
	normals := make([]xy, n-1)
	for i := 0; i < n-1; i++ {
		dx, dy := line[i+1].X-line[i].X, line[i+1].Y-line[i].Y
		l := math.Hypot(dx, dy)
		normals[i] = xy{X: -dy / l, Y: dx / l}
	}

	left := make([]xy, n)
	right := make([]xy, n)
	for i := 0; i < n; i++ {
		off := vertexOffset(normals, i)
		left[i] = xy{X: line[i].X + off.X*bufferM, Y: line[i].Y + off.Y*bufferM}
		right[i] = xy{X: line[i].X - off.X*bufferM, Y: line[i].Y - off.Y*bufferM}
	}

	ring := make([]model.GeoPoint, 0, 2*n+2*(capSegments-1)+1)
	for _, v := range left {
		ring = append(ring, pl.unproject(v))
	}
	endA := math.Atan2(normals[n-2].Y, normals[n-2].X)
	for k := 1; k < capSegments; k++ {
		a := endA - float64(k)*math.Pi/float64(capSegments)
		ring = append(ring, pl.unproject(xy{X: line[n-1].X + bufferM*math.Cos(a), Y: line[n-1].Y + bufferM*math.Sin(a)}))
	}
	for i := n - 1; i >= 0; i-- {
		ring = append(ring, pl.unproject(right[i]))
	}
	startA := math.Atan2(normals[0].Y, normals[0].X) + math.Pi
	for k := 1; k < capSegments; k++ {
		a := startA - float64(k)*math.Pi/float64(capSegments)
		ring = append(ring, pl.unproject(xy{X: line[0].X + bufferM*math.Cos(a), Y: line[0].Y + bufferM*math.Sin(a)}))
	}
	return append(ring, ring[0]), nil
}

// vertexOffset returns the unit-buffer left offset at vertex i, mitred at joints.
func vertexOffset(normals []xy, i int) xy {
	switch {
	case i == 0:
		return normals[0]
	case i >= len(normals):
		return normals[len(normals)-1]
	}
	a, b := normals[i-1], normals[i]
	m := xy{X: a.X + b.X, Y: a.Y + b.Y}
	l := math.Hypot(m.X, m.Y)
	if l < 1e-9 {
		// the line doubles back on itself
		return b
	}
	m = xy{X: m.X / l, Y: m.Y / l}
	scale := maxMiter
	if dot := m.X*b.X + m.Y*b.Y; dot > 1/maxMiter {
		scale = 1 / dot
	}
	return xy{X: m.X * scale, Y: m.Y * scale}
}

// BudgetConfig controls how a route polyline is turned into corridor polygons.
type BudgetConfig struct {
	BufferM     float64
	SimplifyM   float64
	SegmentM    float64 // first split length; 0 means half the route length
	MinSegmentM float64 // splitting gives up below this length
	CapSegments int
}

// DefaultMinSegmentM is used when BudgetConfig.MinSegmentM is unset.
const DefaultMinSegmentM = 50.0

// EnforcePointBudget buffers the route and, if the polygon has more than maxPoints vertices,
// splits the route by distance into shorter chunks, halving the chunk length until every
// chunk's corridor fits. Chunks share their split points so the corridors overlap.
// maxPoints <= 0 disables the budget.
func EnforcePointBudget(pts []model.GeoPoint, cfg BudgetConfig, maxPoints int) ([][]model.GeoPoint, error) {
	if err := Validate("points", pts, 2); err != nil {
		return nil, err
	}
	build := func(seg []model.GeoPoint) ([]model.GeoPoint, error) {
		if cfg.SimplifyM > 0 {
			seg = Simplify(seg, cfg.SimplifyM)
		}
		return BuildCorridor(seg, cfg.BufferM, cfg.CapSegments)
	}

	whole, err := build(pts)
	if err != nil {
		return nil, err
	}
	if maxPoints <= 0 || len(whole) <= maxPoints {
		return [][]model.GeoPoint{whole}, nil
	}

	floor := cfg.MinSegmentM
	if floor <= 0 {
		floor = DefaultMinSegmentM
	}
	segLen := cfg.SegmentM
	if segLen <= 0 {
		segLen = PolylineLength(pts) / 2
	}
	for segLen >= floor {
		polys, ok, err := buildChunks(splitByDistance(pts, segLen), build, maxPoints)
		if err != nil {
			return nil, err
		}
		if ok {
			return polys, nil
		}
		segLen /= 2
	}
	return nil, fmt.Errorf("%w: %d points exceed %d even with segments shorter than %.0fm", ErrPointBudget, len(whole), maxPoints, floor)
}

func buildChunks(chunks [][]model.GeoPoint, build func([]model.GeoPoint) ([]model.GeoPoint, error), maxPoints int) ([][]model.GeoPoint, bool, error) {
	polys := make([][]model.GeoPoint, 0, len(chunks))
	for _, c := range chunks {
		poly, err := build(c)
		if err != nil {
			return nil, false, err
		}
		if len(poly) > maxPoints {
			return nil, false, nil
		}
		polys = append(polys, poly)
	}
	return polys, true, nil
}

// PolylineLength sums the great-circle lengths of consecutive segments.
func PolylineLength(pts []model.GeoPoint) float64 {
	var total float64
	for i := 1; i < len(pts); i++ {
		total += HaversineMeters(pts[i-1], pts[i])
	}
	return total
}

// splitByDistance cuts the polyline every segLen meters, interpolating the cut point.
// Each cut point ends one chunk and starts the next.
func splitByDistance(pts []model.GeoPoint, segLen float64) [][]model.GeoPoint {
	var chunks [][]model.GeoPoint
	cur := []model.GeoPoint{pts[0]}
	prev := pts[0]
	var acc float64
	for i := 1; i < len(pts); i++ {
		b := pts[i]
		d := HaversineMeters(prev, b)
		for d > 0 && acc+d >= segLen {
			t := (segLen - acc) / d
			sp := model.GeoPoint{Lat: prev.Lat + (b.Lat-prev.Lat)*t, Lng: prev.Lng + (b.Lng-prev.Lng)*t}
			cur = append(cur, sp)
			chunks = append(chunks, cur)
			cur = []model.GeoPoint{sp}
			acc = 0
			prev = sp
			d = HaversineMeters(prev, b)
		}
		acc += d
		if cur[len(cur)-1] != b {
			cur = append(cur, b)
		}
		prev = b
	}
	if len(cur) >= 2 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// Package geo provides great-circle distances and projection of a point onto a
// polyline path.
package geo

import "math"

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Valid reports whether the point has finite coordinates within range.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func toRad(v float64) float64 { return v * math.Pi / 180 }

// Distance returns the haversine distance between a and b in meters.
// Invalid points are infinitely far apart.
func Distance(a, b Point) float64 {
	if !a.Valid() || !b.Valid() {
		return math.Inf(1)
	}
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLng/2)*math.Sin(dLng/2)*math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))
	return EarthRadius * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// CumulativeDistances returns, for each vertex of path, the distance travelled
// along the path from its first vertex.
func CumulativeDistances(path []Point) []float64 {
	cum := make([]float64, len(path))
	for i := 1; i < len(path); i++ {
		cum[i] = cum[i-1] + Distance(path[i-1], path[i])
	}
	return cum
}

// Project snaps p onto the nearest segment of path and returns the distance
// along the path to the snapped point and the perpendicular offset of p from
// it, both in meters. A local equirectangular projection centred on p is used,
// which is accurate at the scale of a stop spacing.
func Project(path []Point, cum []float64, p Point) (along, offset float64) {
	n := len(path)
	if n == 0 || !p.Valid() {
		return 0, math.Inf(1)
	}
	if len(cum) != n {
		cum = CumulativeDistances(path)
	}
	if n == 1 {
		return 0, Distance(path[0], p)
	}
	cosLat := math.Cos(toRad(p.Lat))
	xy := func(q Point) (x, y float64) {
		y = toRad(q.Lat-p.Lat) * EarthRadius
		x = toRad(q.Lng-p.Lng) * EarthRadius * cosLat
		return
	}
	best := math.MaxFloat64
	x0, y0 := xy(path[0])
	for i := 1; i < n; i++ {
		x1, y1 := xy(path[i])
		dx, dy := x1-x0, y1-y0
		t := 0.0
		if l2 := dx*dx + dy*dy; l2 > 0 {
			t = -(x0*dx + y0*dy) / l2
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
		}
		px, py := x0+t*dx, y0+t*dy
		if d2 := px*px + py*py; d2 < best {
			best = d2
			along = cum[i-1] + t*(cum[i]-cum[i-1])
		}
		x0, y0 = x1, y1
	}
	return along, math.Sqrt(best)
}

// RemainingAlongPath returns the distance in meters from `from` to `to`
// measured along path. Without a usable path it degrades to the great-circle
// distance.
func RemainingAlongPath(path []Point, from, to Point) float64 {
	if !from.Valid() || !to.Valid() {
		return math.Inf(1)
	}
	if len(path) < 2 {
		return Distance(from, to)
	}
	cum := CumulativeDistances(path)
	a, _ := Project(path, cum, from)
	b, _ := Project(path, cum, to)
	return math.Abs(b - a)
}

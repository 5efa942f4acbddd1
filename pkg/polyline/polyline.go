// Package polyline encodes breadcrumb tracks using the encoded polyline algorithm
// (precision 1e-5, roughly one meter), which keeps the mirrored track small enough
// to ride along with every position push.
package polyline

import (
	"math"

	"github.com/anchorwatch/anchorwatch/pkg/geodesic"
)

// Coordinate is a point in degrees.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Encode returns the polyline encoding of coords.
func Encode(coords []Coordinate) string {
	if len(coords) == 0 {
		return ""
	}

	buf := make([]byte, 0, len(coords)*6)
	var prevLat, prevLon int
	for _, c := range coords {
		lat := int(math.Round(c.Lat * 1e5))
		lon := int(math.Round(c.Lon * 1e5))
		buf = appendValue(buf, lat-prevLat)
		buf = appendValue(buf, lon-prevLon)
		prevLat, prevLon = lat, lon
	}
	return string(buf)
}

func appendValue(buf []byte, v int) []byte {
	if v < 0 {
		v = ^(v << 1)
	} else {
		v <<= 1
	}
	for v >= 0x20 {
		buf = append(buf, byte((v&0x1f)|0x20)+63)
		v >>= 5
	}
	return append(buf, byte(v)+63)
}

// Decode parses an encoded polyline. A truncated trailing pair is dropped.
func Decode(encoded string) []Coordinate {
	if encoded == "" {
		return nil
	}

	var (
		coords   []Coordinate
		lat, lon int
		i        int
	)
	for i < len(encoded) {
		dLat, next, ok := readValue(encoded, i)
		if !ok {
			break
		}
		dLon, next, ok := readValue(encoded, next)
		if !ok {
			break
		}
		i = next
		lat += dLat
		lon += dLon
		coords = append(coords, Coordinate{Lat: float64(lat) / 1e5, Lon: float64(lon) / 1e5})
	}
	return coords
}

func readValue(s string, i int) (int, int, bool) {
	var result, shift int
	for i < len(s) {
		b := int(s[i]) - 63
		i++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			if result&1 != 0 {
				return ^(result >> 1), i, true
			}
			return result >> 1, i, true
		}
	}
	return 0, i, false
}

// Length returns the path length of coords in meters.
func Length(coords []Coordinate) float64 {
	var total float64
	for i := 1; i < len(coords); i++ {
		total += geodesic.Distance(coords[i-1].Lat, coords[i-1].Lon, coords[i].Lat, coords[i].Lon)
	}
	return total
}

// Trail is a bounded breadcrumb track. Points closer than MinSpacing meters to the
// previous point are skipped; once Capacity is reached the oldest point is dropped.
// Trail is not safe for concurrent use.
type Trail struct {
	Capacity   int
	MinSpacing float64

	points []Coordinate
}

// NewTrail returns a trail holding at most capacity points.
func NewTrail(capacity int, minSpacing float64) *Trail {
	if capacity <= 0 {
		capacity = 50
	}
	return &Trail{Capacity: capacity, MinSpacing: minSpacing}
}

// Add appends c and reports whether it was kept.
func (t *Trail) Add(c Coordinate) bool {
	if n := len(t.points); n > 0 {
		last := t.points[n-1]
		if geodesic.Distance(last.Lat, last.Lon, c.Lat, c.Lon) < t.MinSpacing {
			return false
		}
	}
	t.points = append(t.points, c)
	if len(t.points) > t.Capacity {
		t.points = append(t.points[:0], t.points[len(t.points)-t.Capacity:]...)
	}
	return true
}

// Points returns a copy of the current points, oldest first.
func (t *Trail) Points() []Coordinate {
	out := make([]Coordinate, len(t.points))
	copy(out, t.points)
	return out
}

// Encoded returns the polyline encoding of the trail.
func (t *Trail) Encoded() string {
	return Encode(t.points)
}

// Reset drops all points.
func (t *Trail) Reset() {
	t.points = t.points[:0]
}

// Package geo holds the geometric primitives used to classify buildings and
// infrastructure against damage polygons.
package geo

import (
	"fmt"
	"math"
)

// Point is a WGS-84 position. X is longitude, Y is latitude, matching GeoJSON order.
type Point struct {
	X float64
	Y float64
}

func (p Point) Valid() bool {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return false
	}
	return p.X >= -180 && p.X <= 180 && p.Y >= -90 && p.Y <= 90
}

// PointInPolygon runs the even-odd ray casting test against a single closed
// ring. Holes are not supported. Points exactly on an edge may land on either
// side, but the answer is stable for identical input.
func PointInPolygon(p Point, ring []Point) bool {
	n := len(ring)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := ring[i].X, ring[i].Y
		xj, yj := ring[j].X, ring[j].Y
		if (yi > p.Y) != (yj > p.Y) && p.X < (xj-xi)*(p.Y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Ring converts GeoJSON [lon, lat] pairs to points.
func Ring(coords [][]float64) ([]Point, error) {
	ring := make([]Point, 0, len(coords))
	for i, c := range coords {
		if len(c) < 2 {
			return nil, fmt.Errorf("vertex %d has %d coordinates", i, len(c))
		}
		ring = append(ring, Point{X: c[0], Y: c[1]})
	}
	if len(ring) < 3 {
		return nil, fmt.Errorf("ring has %d vertices, need at least 3", len(ring))
	}
	return ring, nil
}

// BBox is a lon/lat bounding box.
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// BBoxAround returns the square box extending radiusDeg from center on every side.
func BBoxAround(center Point, radiusDeg float64) BBox {
	return BBox{
		MinLon: center.X - radiusDeg,
		MinLat: center.Y - radiusDeg,
		MaxLon: center.X + radiusDeg,
		MaxLat: center.Y + radiusDeg,
	}
}

// Round snaps every edge to the given number of decimals so nearby events share cache entries.
func (b BBox) Round(decimals int) BBox {
	return BBox{
		MinLon: roundTo(b.MinLon, decimals),
		MinLat: roundTo(b.MinLat, decimals),
		MaxLon: roundTo(b.MaxLon, decimals),
		MaxLat: roundTo(b.MaxLat, decimals),
	}
}

func (b BBox) Center() Point {
	return Point{X: (b.MinLon + b.MaxLon) / 2, Y: (b.MinLat + b.MaxLat) / 2}
}

func (b BBox) String() string {
	return fmt.Sprintf("[%g, %g, %g, %g]", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}

package geo

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/example/ride-dispatch/internal/models"
)

// Bounds normalises the corners of b into ordered ranges.
func Bounds(b models.Box) (xLo, xHi, yLo, yHi float64) {
	return math.Min(b.NW.X, b.SE.X), math.Max(b.NW.X, b.SE.X),
		math.Min(b.NW.Y, b.SE.Y), math.Max(b.NW.Y, b.SE.Y)
}

// Contains reports whether p lies inside b. Every edge is inclusive.
func Contains(b models.Box, p models.Point) bool {
	xLo, xHi, yLo, yHi := Bounds(b)
	return xLo <= p.X && p.X <= xHi && yLo <= p.Y && p.Y <= yHi
}

// Distance is the flat Euclidean distance between a and b. It is not geodesic.
func Distance(a, b models.Point) float64 {
	return floats.Distance([]float64{a.X, a.Y}, []float64{b.X, b.Y}, 2)
}

// Nearest returns the index of the driver closest to from, or -1 for an empty
// pool. Exact ties resolve to the earliest index. A non-empty pool always
// yields an index, even when no distance is finite.
func Nearest(from models.Point, pool []models.AvailableDriver) int {
	best := -1
	var bestDist float64
	for i, d := range pool {
		if dist := Distance(from, d.Location); best == -1 || closer(dist, bestDist) {
			best, bestDist = i, dist
		}
	}
	return best
}

// closer orders distances with NaN after everything else.
func closer(a, b float64) bool {
	if math.IsNaN(b) {
		return !math.IsNaN(a)
	}
	return a < b
}

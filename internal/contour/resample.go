// Package contour turns closed contours into evenly spaced swarm targets.
// Contours arrive from several suppliers (procedural shapes, JSON point
// lists, GeoJSON rings, image-space traces) and are resampled by arc length.
package contour

import (
	"errors"
	"fmt"
	"math"

	"github.com/talgya/drone-swarm/internal/geom"
)

var (
	// ErrDegenerateContour is returned for contours with fewer than two
	// points or with (near) zero perimeter.
	ErrDegenerateContour = errors.New("degenerate contour")

	// ErrInvalidCount is returned when fewer than one output point is requested.
	ErrInvalidCount = errors.New("point count must be at least 1")
)

// minPerimeter is the perimeter below which a contour counts as collapsed.
const minPerimeter = 1e-9

// Perimeter returns the closed length of pts, including the last→first segment.
func Perimeter(pts []geom.Vec3) float64 {
	total := 0.0
	for i := range pts {
		total += pts[i].Dist(pts[(i+1)%len(pts)])
	}
	return total
}

// Resample returns exactly n points spaced at equal arc-length intervals
// along the closed polyline pts. The first output point is pts[0].
func Resample(pts []geom.Vec3, n int) ([]geom.Vec3, error) {
	if n < 1 {
		return nil, fmt.Errorf("resample to %d points: %w", n, ErrInvalidCount)
	}
	if len(pts) < 2 {
		return nil, fmt.Errorf("contour has %d points: %w", len(pts), ErrDegenerateContour)
	}

	perimeter := Perimeter(pts)
	if perimeter < minPerimeter || math.IsNaN(perimeter) || math.IsInf(perimeter, 0) {
		return nil, fmt.Errorf("contour perimeter %g: %w", perimeter, ErrDegenerateContour)
	}

	step := perimeter / float64(n)
	out := make([]geom.Vec3, 1, n)
	out[0] = pts[0]

	// walked is the arc length at the start of the current segment. Every
	// multiple of step up to walked has already been emitted, so the next
	// crossing always lies strictly beyond it.
	walked := 0.0
	for i := 0; i < len(pts) && len(out) < n; i++ {
		a, b := pts[i], pts[(i+1)%len(pts)]
		seg := a.Dist(b)
		for len(out) < n {
			next := step * float64(len(out))
			if walked+seg < next {
				break
			}
			out = append(out, a.Lerp(b, (next-walked)/seg))
		}
		walked += seg
	}

	// Rounding can leave the final crossing a hair past the closing vertex.
	for len(out) < n {
		out = append(out, pts[0])
	}
	return out, nil
}

package contour

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/talgya/drone-swarm/internal/geom"
)

// RecommendedDrones is the drone count that gives every contour vertex its own drone.
func RecommendedDrones(pts []geom.Vec3) int {
	return len(pts)
}

// PlanTargets derives the target set for a swarm of the given size. Contours
// with more vertices than drones are resampled down to one target per drone;
// sparser contours are used as is and surplus drones share targets.
func PlanTargets(pts []geom.Vec3, drones int) ([]geom.Vec3, error) {
	if drones < 1 {
		return nil, fmt.Errorf("plan for %d drones: %w", drones, ErrInvalidCount)
	}
	if len(pts) > drones {
		return Resample(pts, drones)
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("empty contour: %w", ErrDegenerateContour)
	}
	out := make([]geom.Vec3, len(pts))
	copy(out, pts)
	return out, nil
}

// ReadPoints decodes a JSON array of {"x","y","z"} objects.
func ReadPoints(r io.Reader) ([]geom.Vec3, error) {
	var pts []geom.Vec3
	if err := json.NewDecoder(r).Decode(&pts); err != nil {
		return nil, fmt.Errorf("decode points: %w", err)
	}
	for i, p := range pts {
		if !p.IsFinite() {
			return nil, fmt.Errorf("point %d is not finite", i)
		}
	}
	return pts, nil
}

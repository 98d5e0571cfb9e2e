package telemetry

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/talgya/drone-swarm/internal/geom"
	"github.com/talgya/drone-swarm/internal/swarm"
)

// Reading is the geographic readout for one drone.
type Reading struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Altitude         float64 `json:"altitude"`
	Speed            float64 `json:"speed"`
	Heading          float64 `json:"heading"`
	DistanceToTarget float64 `json:"distance_to_target"`
}

// Read builds the readout for a drone at pos moving at vel toward target.
func (o Origin) Read(pos, vel, target geom.Vec3) Reading {
	pt, alt := o.LocalToGeo(pos)
	return Reading{
		Latitude:         pt.Lat(),
		Longitude:        pt.Lon(),
		Altitude:         alt,
		Speed:            Speed(vel),
		Heading:          Heading(pos, target),
		DistanceToTarget: pos.Dist(target),
	}
}

// ReadInfo is Read applied to a detailed drone view.
func (o Origin) ReadInfo(info swarm.Info) Reading {
	return o.Read(info.Position, info.Velocity, info.TargetPosition)
}

// String formats the readout the way an operator panel shows it.
func (r Reading) String() string {
	return fmt.Sprintf("lat %.6f lon %.6f alt %.1fm speed %.2f heading %.0f° dist %.2f",
		r.Latitude, r.Longitude, r.Altitude, r.Speed, r.Heading, r.DistanceToTarget)
}

// FeatureCollection renders every drone as a GeoJSON point feature carrying
// its id, altitude, hold state, and distance to target. Targets are added as
// a second set of features with kind "target" when withTargets is set.
func (o Origin) FeatureCollection(snaps []swarm.Snapshot, targets []geom.Vec3, withTargets bool) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, s := range snaps {
		pt, alt := o.LocalToGeo(s.Position)
		f := geojson.NewFeature(pt)
		f.ID = uint64(s.ID)
		f.Properties["kind"] = "drone"
		f.Properties["id"] = uint64(s.ID)
		f.Properties["altitude"] = alt
		f.Properties["held"] = s.Held
		f.Properties["assigned_target"] = s.AssignedTarget
		f.Properties["distance_to_target"] = s.Position.Dist(s.TargetPosition)
		fc.Append(f)
	}
	if withTargets {
		for i, t := range targets {
			pt, alt := o.LocalToGeo(t)
			f := geojson.NewFeature(pt)
			f.Properties["kind"] = "target"
			f.Properties["index"] = i
			f.Properties["altitude"] = alt
			fc.Append(f)
		}
	}
	return fc
}

// TargetRing returns the target set as a closed geographic ring, or nil when
// there are fewer than three targets.
func (o Origin) TargetRing(targets []geom.Vec3) orb.Ring {
	if len(targets) < 3 {
		return nil
	}
	ring := make(orb.Ring, 0, len(targets)+1)
	for _, t := range targets {
		pt, _ := o.LocalToGeo(t)
		ring = append(ring, pt)
	}
	return append(ring, ring[0])
}

// Package telemetry converts local swarm coordinates into geographic readouts
// (latitude, longitude, altitude, heading, speed) and GeoJSON.
//
// The local frame is a flat-earth tangent plane anchored at an Origin:
// X points east, Z points north, Y is height above the origin altitude.
package telemetry

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/talgya/drone-swarm/internal/geom"
)

// MetersPerDegreeLat is the length of one degree of latitude.
const MetersPerDegreeLat = 111319.9

// Origin anchors the local frame to a geographic position.
type Origin struct {
	Latitude  float64 `json:"latitude" toml:"latitude"`
	Longitude float64 `json:"longitude" toml:"longitude"`
	Altitude  float64 `json:"altitude" toml:"altitude"` // meters
}

// DefaultOrigin is central Moscow at 20 m.
func DefaultOrigin() Origin {
	return Origin{Latitude: 55.7558, Longitude: 37.6173, Altitude: 20}
}

// Validate rejects coordinates outside the valid degree ranges.
func (o Origin) Validate() error {
	if o.Latitude < -90 || o.Latitude > 90 || math.IsNaN(o.Latitude) {
		return fmt.Errorf("latitude %v must be within [-90, 90]", o.Latitude)
	}
	if o.Longitude < -180 || o.Longitude > 180 || math.IsNaN(o.Longitude) {
		return fmt.Errorf("longitude %v must be within [-180, 180]", o.Longitude)
	}
	return nil
}

// MetersPerDegreeLon is the length of one degree of longitude at the origin latitude.
func (o Origin) MetersPerDegreeLon() float64 {
	return MetersPerDegreeLat * math.Cos(o.Latitude*math.Pi/180)
}

// LocalToGeo maps a local position to a geographic point (lon, lat) and an
// absolute altitude in meters.
func (o Origin) LocalToGeo(p geom.Vec3) (orb.Point, float64) {
	lon := o.Longitude
	if mpl := o.MetersPerDegreeLon(); math.Abs(mpl) > 1e-6 {
		lon += p.X / mpl
	}
	lat := o.Latitude + p.Z/MetersPerDegreeLat
	return orb.Point{lon, lat}, p.Y + o.Altitude
}

// GeoToLocal maps a geographic point (lon, lat) onto the local ground plane (Y = 0).
func (o Origin) GeoToLocal(pt orb.Point) geom.Vec3 {
	x := 0.0
	if mpl := o.MetersPerDegreeLon(); math.Abs(mpl) > 1e-6 {
		x = (pt.Lon() - o.Longitude) * mpl
	}
	return geom.Vec3{
		X: x,
		Y: 0,
		Z: (pt.Lat() - o.Latitude) * MetersPerDegreeLat,
	}
}

// Heading returns the compass bearing in degrees [0, 360) from pos toward target,
// measured in the horizontal plane (0 = north, 90 = east).
func Heading(pos, target geom.Vec3) float64 {
	dx := target.X - pos.X
	dz := target.Z - pos.Z
	h := math.Atan2(dx, dz) * 180 / math.Pi
	return math.Mod(h+360, 360)
}

// Speed returns the magnitude of a velocity.
func Speed(v geom.Vec3) float64 {
	return v.Len()
}

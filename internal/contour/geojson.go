package contour

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/talgya/drone-swarm/internal/geom"
	"github.com/talgya/drone-swarm/internal/telemetry"
)

// ErrNoRing is returned when a GeoJSON document holds no usable outline.
var ErrNoRing = errors.New("geojson: no polygon or line ring found")

// FromGeoJSON extracts the largest outline from a GeoJSON FeatureCollection,
// Feature, or bare geometry and projects it onto the local ground plane
// around origin. Polygons contribute their outer ring; line strings are
// treated as closed.
func FromGeoJSON(data []byte, origin telemetry.Origin) ([]geom.Vec3, error) {
	geoms, err := parseGeometries(data)
	if err != nil {
		return nil, err
	}

	var best orb.Ring
	bestArea := -1.0
	for _, g := range geoms {
		for _, r := range rings(g) {
			if len(r) < 2 {
				continue
			}
			if a := math.Abs(planar.Area(r)); a > bestArea {
				best, bestArea = r, a
			}
		}
	}
	if best == nil {
		return nil, ErrNoRing
	}

	// A closed ring repeats its first vertex; the resampler closes implicitly.
	if len(best) > 2 && best[0].Equal(best[len(best)-1]) {
		best = best[:len(best)-1]
	}

	pts := make([]geom.Vec3, 0, len(best))
	for _, p := range best {
		pts = append(pts, origin.GeoToLocal(p))
	}

	closed := make(orb.LineString, 0, len(best)+1)
	closed = append(closed, best...)
	closed = append(closed, best[0])

	slog.Debug("geojson contour imported",
		"vertices", len(pts),
		"geodesic_m", fmt.Sprintf("%.1f", geo.Length(closed)),
		"local_m", fmt.Sprintf("%.1f", Perimeter(pts)),
	)
	return pts, nil
}

func parseGeometries(data []byte) ([]orb.Geometry, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("geojson: %w", err)
	}

	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("geojson feature collection: %w", err)
		}
		out := make([]orb.Geometry, 0, len(fc.Features))
		for _, f := range fc.Features {
			if f.Geometry != nil {
				out = append(out, f.Geometry)
			}
		}
		return out, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("geojson feature: %w", err)
		}
		if f.Geometry == nil {
			return nil, ErrNoRing
		}
		return []orb.Geometry{f.Geometry}, nil
	case "":
		return nil, errors.New("geojson: missing type")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("geojson geometry: %w", err)
		}
		return []orb.Geometry{g.Geometry()}, nil
	}
}

// rings flattens a geometry into its candidate outlines.
func rings(g orb.Geometry) []orb.Ring {
	switch v := g.(type) {
	case orb.Ring:
		return []orb.Ring{v}
	case orb.Polygon:
		if len(v) == 0 {
			return nil
		}
		return []orb.Ring{v[0]}
	case orb.MultiPolygon:
		var out []orb.Ring
		for _, p := range v {
			if len(p) > 0 {
				out = append(out, p[0])
			}
		}
		return out
	case orb.LineString:
		return []orb.Ring{orb.Ring(v)}
	case orb.MultiLineString:
		out := make([]orb.Ring, 0, len(v))
		for _, ls := range v {
			out = append(out, orb.Ring(ls))
		}
		return out
	case orb.Collection:
		var out []orb.Ring
		for _, c := range v {
			out = append(out, rings(c)...)
		}
		return out
	}
	return nil
}

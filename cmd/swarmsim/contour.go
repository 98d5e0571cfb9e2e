package main

import (
	"fmt"
	"os"

	"github.com/talgya/drone-swarm/internal/config"
	"github.com/talgya/drone-swarm/internal/contour"
	"github.com/talgya/drone-swarm/internal/geom"
	"github.com/talgya/drone-swarm/internal/persistence"
)

// loadContour produces the startup contour and the name it runs under.
func loadContour(cfg *config.Config, seed int64, db *persistence.DB) (string, []geom.Vec3, error) {
	c := cfg.Contour
	switch c.Source {
	case config.SourceBlob:
		bc := contour.DefaultBlobConfig()
		bc.Seed = seed
		bc.Radius = c.Radius
		bc.Roughness = c.Roughness
		bc.Vertices = c.Points
		return nameOr(c.Name, "blob"), contour.Blob(bc), nil

	case config.SourceCircle:
		return nameOr(c.Name, "circle"), contour.Circle(geom.Zero, c.Radius, c.Points), nil

	case config.SourceFile:
		f, err := os.Open(c.Path)
		if err != nil {
			return "", nil, fmt.Errorf("open contour file: %w", err)
		}
		defer f.Close()
		pts, err := contour.ReadPoints(f)
		if err != nil {
			return "", nil, fmt.Errorf("read %s: %w", c.Path, err)
		}
		return nameOr(c.Name, c.Path), pts, nil

	case config.SourceGeoJSON:
		data, err := os.ReadFile(c.Path)
		if err != nil {
			return "", nil, fmt.Errorf("read geojson: %w", err)
		}
		pts, err := contour.FromGeoJSON(data, cfg.Origin)
		if err != nil {
			return "", nil, fmt.Errorf("import %s: %w", c.Path, err)
		}
		return nameOr(c.Name, c.Path), pts, nil

	case config.SourceImage:
		f, err := os.Open(c.Path)
		if err != nil {
			return "", nil, fmt.Errorf("open image trace: %w", err)
		}
		defer f.Close()
		pts, err := contour.ReadImageTrace(f)
		if err != nil {
			return "", nil, fmt.Errorf("trace %s: %w", c.Path, err)
		}
		return nameOr(c.Name, c.Path), pts, nil

	case config.SourceStored:
		if db == nil {
			return "", nil, fmt.Errorf("stored contour %q needs a database", c.Name)
		}
		stored, err := db.LoadContour(c.Name)
		if err != nil {
			return "", nil, fmt.Errorf("load stored contour %q: %w", c.Name, err)
		}
		return stored.Name, stored.Points, nil
	}
	return "", nil, fmt.Errorf("unknown contour source %q", c.Source)
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

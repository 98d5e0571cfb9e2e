// Package config loads the swarmsim service configuration: compiled
// defaults, overlaid by a TOML file, overlaid by environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/talgya/drone-swarm/internal/swarm"
	"github.com/talgya/drone-swarm/internal/telemetry"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Contour sources.
const (
	SourceBlob    = "blob"
	SourceCircle  = "circle"
	SourceFile    = "file"    // JSON array of {x,y,z}
	SourceGeoJSON = "geojson" // largest ring of a GeoJSON document
	SourceImage   = "image"   // pixel-space trace: {"width","height","pixels"}
	SourceStored  = "stored"  // named contour from the database
)

// Config holds every service parameter.
type Config struct {
	Seed     int64  `toml:"seed"`      // 0 picks a random seed
	Drones   int    `toml:"drones"`    // 0 uses one drone per contour point
	LogLevel string `toml:"log_level"` // debug, info, warn, error

	Swarm   Swarm            `toml:"swarm"`
	Contour Contour          `toml:"contour"`
	Origin  telemetry.Origin `toml:"origin"`
	API     API              `toml:"api"`
	DB      DB               `toml:"db"`
}

// Swarm selects a tuning profile and optionally overrides single values.
type Swarm struct {
	Profile              string  `toml:"profile"` // "a" or "b"
	ConvergenceThreshold float64 `toml:"convergence_threshold"`

	InertiaWeight    *float64 `toml:"inertia_weight"`
	CognitiveWeight  *float64 `toml:"cognitive_weight"`
	SocialWeight     *float64 `toml:"social_weight"`
	MaxVelocity      *float64 `toml:"max_velocity"`
	SlowdownFactor   *float64 `toml:"slowdown_factor"`
	PersonalSpace    *float64 `toml:"personal_space"`
	SeparationWeight *float64 `toml:"separation_weight"`
	SpawnMargin      *float64 `toml:"spawn_margin"`
	Strategy         string   `toml:"strategy"`
	SeparationIndex  string   `toml:"separation_index"`
}

// Contour describes where the initial target contour comes from.
type Contour struct {
	Source    string  `toml:"source"`
	Path      string  `toml:"path"`  // file, geojson and image sources
	Name      string  `toml:"name"`  // stored source; with Store, the name saved under
	Store     bool    `toml:"store"` // save the loaded contour under Name
	Radius    float64 `toml:"radius"`
	Roughness float64 `toml:"roughness"`
	Points    int     `toml:"points"`
}

// API configures the HTTP surface.
type API struct {
	Port          int    `toml:"port"`
	AdminKey      string `toml:"admin_key"`
	StreamEvery   int    `toml:"stream_every"` // ticks between stream frames
	MaxStreams    int    `toml:"max_streams"`
	ContourLimit  int    `toml:"contour_limit"`  // contour uploads per client per window
	ContourWindow int    `toml:"contour_window"` // seconds
}

// DB configures persistence.
type DB struct {
	Path string `toml:"path"` // empty disables persistence
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Swarm: Swarm{
			Profile:              "a",
			ConvergenceThreshold: swarm.DefaultConvergenceThreshold,
		},
		Contour: Contour{
			Source:    SourceBlob,
			Radius:    40,
			Roughness: 0.35,
			Points:    180,
		},
		Origin: telemetry.DefaultOrigin(),
		API: API{
			Port:          8080,
			StreamEvery:   2,
			MaxStreams:    50,
			ContourLimit:  10,
			ContourWindow: 60,
		},
		DB: DB{Path: "data/swarm.db"},
	}
}

// Load builds the configuration from path (skipped when empty) and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, key := range md.Undecoded() {
			slog.Warn("unknown config key ignored", "key", key.String(), "file", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.API.AdminKey = envOrDefault("SWARMSIM_ADMIN_KEY", c.API.AdminKey)
	c.API.Port = envIntOrDefault("SWARMSIM_PORT", c.API.Port)
	// Set but empty disables persistence.
	if v, ok := os.LookupEnv("SWARMSIM_DB"); ok {
		c.DB.Path = v
	}
	if v := os.Getenv("SWARMSIM_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Seed = n
		}
	}
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Drones < 0 {
		return fmt.Errorf("drones = %d: %w", c.Drones, ErrInvalid)
	}
	if _, err := c.SwarmConfig(); err != nil {
		return err
	}
	if c.Swarm.ConvergenceThreshold <= 0 {
		return fmt.Errorf("convergence_threshold = %v: %w", c.Swarm.ConvergenceThreshold, ErrInvalid)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.Contour.Source {
	case SourceBlob, SourceCircle:
		if c.Contour.Radius <= 0 || c.Contour.Points < 3 {
			return fmt.Errorf("contour needs radius > 0 and at least 3 points: %w", ErrInvalid)
		}
	case SourceFile, SourceGeoJSON, SourceImage:
		if c.Contour.Path == "" {
			return fmt.Errorf("contour source %q needs a path: %w", c.Contour.Source, ErrInvalid)
		}
	case SourceStored:
		if c.Contour.Name == "" || c.DB.Path == "" {
			return fmt.Errorf("stored contour needs a name and a database: %w", ErrInvalid)
		}
	default:
		return fmt.Errorf("unknown contour source %q: %w", c.Contour.Source, ErrInvalid)
	}
	if c.Contour.Store && c.Contour.Name == "" {
		return fmt.Errorf("contour store needs a name: %w", ErrInvalid)
	}

	if err := c.Origin.Validate(); err != nil {
		return fmt.Errorf("origin: %v: %w", err, ErrInvalid)
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api port %d: %w", c.API.Port, ErrInvalid)
	}
	if c.API.StreamEvery < 1 || c.API.MaxStreams < 0 {
		return fmt.Errorf("api stream_every must be >= 1 and max_streams >= 0: %w", ErrInvalid)
	}
	if c.API.ContourLimit < 1 || c.API.ContourWindow < 1 {
		return fmt.Errorf("api contour_limit and contour_window must be >= 1: %w", ErrInvalid)
	}
	return nil
}

// SwarmConfig resolves the profile and overrides into engine tuning.
func (c *Config) SwarmConfig() (swarm.Config, error) {
	sc, err := swarm.Profile(c.Swarm.Profile)
	if err != nil {
		return swarm.Config{}, err
	}

	overrides := []struct {
		src *float64
		dst *float64
	}{
		{c.Swarm.InertiaWeight, &sc.InertiaWeight},
		{c.Swarm.CognitiveWeight, &sc.CognitiveWeight},
		{c.Swarm.SocialWeight, &sc.SocialWeight},
		{c.Swarm.MaxVelocity, &sc.MaxVelocity},
		{c.Swarm.SlowdownFactor, &sc.SlowdownFactor},
		{c.Swarm.PersonalSpace, &sc.PersonalSpace},
		{c.Swarm.SeparationWeight, &sc.SeparationWeight},
		{c.Swarm.SpawnMargin, &sc.SpawnMargin},
	}
	for _, o := range overrides {
		if o.src != nil {
			*o.dst = *o.src
		}
	}
	if c.Swarm.Strategy != "" {
		sc.Strategy = swarm.Strategy(strings.ToLower(c.Swarm.Strategy))
	}
	if c.Swarm.SeparationIndex != "" {
		sc.SeparationIndex = swarm.SeparationIndex(strings.ToLower(c.Swarm.SeparationIndex))
	}

	if err := sc.Validate(); err != nil {
		return swarm.Config{}, err
	}
	return sc, nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(name string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", name, ErrInvalid)
	}
	return lvl, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

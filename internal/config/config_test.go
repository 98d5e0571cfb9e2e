package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/talgya/drone-swarm/internal/swarm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swarmsim.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	sc, err := Default().SwarmConfig()
	if err != nil {
		t.Fatal(err)
	}
	if sc != swarm.ProfileA() {
		t.Errorf("default swarm config = %+v, want profile A", sc)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
seed = 99
drones = 64
log_level = "debug"

[swarm]
profile = "b"
max_velocity = 3.5
separation_index = "grid"

[contour]
source = "circle"
radius = 25.0
points = 64

[origin]
latitude = 48.8584
longitude = 2.2945
altitude = 35.0

[api]
port = 9090
admin_key = "from-file"
`)
	t.Setenv("SWARMSIM_ADMIN_KEY", "")
	t.Setenv("SWARMSIM_PORT", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Seed != 99 || cfg.Drones != 64 || cfg.LogLevel != "debug" {
		t.Errorf("top level = %d/%d/%s", cfg.Seed, cfg.Drones, cfg.LogLevel)
	}
	if cfg.Contour.Source != SourceCircle || cfg.Contour.Radius != 25 {
		t.Errorf("contour = %+v", cfg.Contour)
	}
	if cfg.Origin.Latitude != 48.8584 || cfg.Origin.Altitude != 35 {
		t.Errorf("origin = %+v", cfg.Origin)
	}
	if cfg.API.Port != 9090 || cfg.API.AdminKey != "from-file" {
		t.Errorf("api = %+v", cfg.API)
	}
	// Untouched sections keep their defaults.
	if cfg.API.StreamEvery != 2 || cfg.DB.Path != "data/swarm.db" {
		t.Errorf("defaults lost: %+v %+v", cfg.API, cfg.DB)
	}

	sc, err := cfg.SwarmConfig()
	if err != nil {
		t.Fatal(err)
	}
	want := swarm.ProfileB()
	want.MaxVelocity = 3.5
	want.SeparationIndex = swarm.IndexGrid
	if sc != want {
		t.Errorf("swarm config = %+v, want %+v", sc, want)
	}

	lvl, err := ParseLevel(cfg.LogLevel)
	if err != nil || lvl != slog.LevelDebug {
		t.Errorf("ParseLevel = %v, %v", lvl, err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "[api]\nadmin_key = \"from-file\"\nport = 9090\n")
	t.Setenv("SWARMSIM_ADMIN_KEY", "from-env")
	t.Setenv("SWARMSIM_PORT", "7070")
	t.Setenv("SWARMSIM_DB", "/tmp/other.db")
	t.Setenv("SWARMSIM_SEED", "1234")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.AdminKey != "from-env" || cfg.API.Port != 7070 {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.DB.Path != "/tmp/other.db" || cfg.Seed != 1234 {
		t.Errorf("db/seed = %s/%d", cfg.DB.Path, cfg.Seed)
	}
}

func TestEmptyDBEnvDisablesPersistence(t *testing.T) {
	path := writeConfig(t, "[db]\npath = \"data/swarm.db\"\n")
	t.Setenv("SWARMSIM_DB", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DB.Path != "" {
		t.Errorf("db path = %q, want empty", cfg.DB.Path)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("SWARMSIM_PORT", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Contour.Source != SourceBlob {
		t.Errorf("source = %q, want blob", cfg.Contour.Source)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, "drones = [not toml")
	if _, err := Load(path); err == nil {
		t.Error("malformed file accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValidate(t *testing.T) {
	neg := -1.0
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative drones", func(c *Config) { c.Drones = -1 }},
		{"unknown profile", func(c *Config) { c.Swarm.Profile = "c" }},
		{"unknown strategy", func(c *Config) { c.Swarm.Strategy = "hungarian" }},
		{"unknown index", func(c *Config) { c.Swarm.SeparationIndex = "kd" }},
		{"negative weight", func(c *Config) { c.Swarm.SocialWeight = &neg }},
		{"zero threshold", func(c *Config) { c.Swarm.ConvergenceThreshold = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown source", func(c *Config) { c.Contour.Source = "svg" }},
		{"file without path", func(c *Config) { c.Contour.Source = SourceFile }},
		{"image without path", func(c *Config) { c.Contour.Source = SourceImage }},
		{"stored without name", func(c *Config) { c.Contour.Source = SourceStored }},
		{"store without name", func(c *Config) { c.Contour.Store = true }},
		{"tiny blob", func(c *Config) { c.Contour.Points = 2 }},
		{"bad latitude", func(c *Config) { c.Origin.Latitude = 91 }},
		{"bad port", func(c *Config) { c.API.Port = 0 }},
		{"zero stream rate", func(c *Config) { c.API.StreamEvery = 0 }},
		{"zero contour limit", func(c *Config) { c.API.ContourLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("accepted")
			} else if !errors.Is(err, ErrInvalid) && !errors.Is(err, swarm.ErrInvalidConfig) {
				t.Errorf("error %v does not wrap a config sentinel", err)
			}
		})
	}
}

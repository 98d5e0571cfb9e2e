package swarm

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/talgya/drone-swarm/internal/drones"
)

// Strategy selects how drones are mapped onto targets.
type Strategy string

const (
	// StrategyDynamic recomputes nearest-free assignment every tick.
	StrategyDynamic Strategy = "dynamic"
	// StrategyGlobal assigns only when Reassign is called.
	StrategyGlobal Strategy = "global"
)

// SeparationIndex selects the neighbor search behind the separation force.
type SeparationIndex string

const (
	IndexBrute SeparationIndex = "brute"
	IndexGrid  SeparationIndex = "grid"
)

// ErrInvalidConfig wraps every configuration rejection.
var ErrInvalidConfig = errors.New("invalid swarm config")

// Config holds the tuning of one swarm engine.
type Config struct {
	InertiaWeight   float64 `json:"inertia_weight"`   // fraction of prior velocity retained
	CognitiveWeight float64 `json:"cognitive_weight"` // pull toward personal best
	SocialWeight    float64 `json:"social_weight"`    // pull toward assigned target
	MaxVelocity     float64 `json:"max_velocity"`     // per-tick speed cap
	SlowdownFactor  float64 `json:"slowdown_factor"`  // position integration scale

	// Separation is disabled when either value is zero.
	PersonalSpace    float64 `json:"personal_space"`
	SeparationWeight float64 `json:"separation_weight"`

	Strategy        Strategy        `json:"strategy"`
	SeparationIndex SeparationIndex `json:"separation_index"`
	SpawnMargin     float64         `json:"spawn_margin"`
}

// ProfileA is the tight, fast-converging tuning with separation enabled.
func ProfileA() Config {
	return Config{
		InertiaWeight:    0.6,
		CognitiveWeight:  1.2,
		SocialWeight:     1.4,
		MaxVelocity:      1.5,
		SlowdownFactor:   0.15,
		PersonalSpace:    2.0,
		SeparationWeight: 1.0,
		Strategy:         StrategyDynamic,
		SeparationIndex:  IndexBrute,
		SpawnMargin:      drones.DefaultMargin,
	}
}

// ProfileB is the loose tuning without separation, reassigned on demand.
func ProfileB() Config {
	return Config{
		InertiaWeight:   0.5,
		CognitiveWeight: 0.3,
		SocialWeight:    0.3,
		MaxVelocity:     2.0,
		SlowdownFactor:  0.2,
		Strategy:        StrategyGlobal,
		SeparationIndex: IndexBrute,
		SpawnMargin:     drones.DefaultMargin,
	}
}

// Profile returns a named profile ("a" or "b", case-insensitive).
func Profile(name string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "a":
		return ProfileA(), nil
	case "b":
		return ProfileB(), nil
	}
	return Config{}, fmt.Errorf("unknown profile %q: %w", name, ErrInvalidConfig)
}

// SeparationEnabled reports whether the separation force is active.
func (c Config) SeparationEnabled() bool {
	return c.PersonalSpace > 0 && c.SeparationWeight > 0
}

// Validate rejects negative or non-finite weights and unknown enum values.
func (c Config) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"inertia_weight", c.InertiaWeight},
		{"cognitive_weight", c.CognitiveWeight},
		{"social_weight", c.SocialWeight},
		{"max_velocity", c.MaxVelocity},
		{"slowdown_factor", c.SlowdownFactor},
		{"personal_space", c.PersonalSpace},
		{"separation_weight", c.SeparationWeight},
		{"spawn_margin", c.SpawnMargin},
	}
	for _, f := range fields {
		if f.v < 0 || math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s = %v: %w", f.name, f.v, ErrInvalidConfig)
		}
	}
	if c.MaxVelocity == 0 {
		return fmt.Errorf("max_velocity must be positive: %w", ErrInvalidConfig)
	}

	switch c.Strategy {
	case StrategyDynamic, StrategyGlobal:
	default:
		return fmt.Errorf("unknown strategy %q: %w", c.Strategy, ErrInvalidConfig)
	}
	switch c.SeparationIndex {
	case IndexBrute, IndexGrid:
	default:
		return fmt.Errorf("unknown separation index %q: %w", c.SeparationIndex, ErrInvalidConfig)
	}
	return nil
}

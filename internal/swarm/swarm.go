// Package swarm is the coordination engine: it owns the drones and the
// target set and advances them one frame at a time. Each Step runs target
// assignment, a PSO-style velocity update with separation, a speed clamp,
// integration, and personal-best tracking.
//
// A Swarm is not safe for concurrent use; callers serialize Step and the
// override calls on one goroutine (see internal/engine).
package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/talgya/drone-swarm/internal/drones"
	"github.com/talgya/drone-swarm/internal/geom"
)

// DefaultConvergenceThreshold is the average error below which the swarm
// counts as converged.
const DefaultConvergenceThreshold = 1.0

var (
	// ErrIndexOutOfRange is returned by per-drone operations given an index
	// outside [0, Len()).
	ErrIndexOutOfRange = errors.New("drone index out of range")

	// ErrInvalidCount is returned when a swarm is requested with no drones.
	ErrInvalidCount = errors.New("drone count must be at least 1")

	// ErrInvalidPosition is returned for positions with NaN or infinite components.
	ErrInvalidPosition = errors.New("position is not finite")
)

// Swarm owns a drone collection and the target set it converges onto.
type Swarm struct {
	cfg     Config
	rng     *rand.Rand
	spawner *drones.Spawner
	sep     Separator

	drones  []drones.Drone
	targets []geom.Vec3
	claimed []bool // scratch for dynamic assignment

	tick uint64
}

// Snapshot is a read-only copy of one drone for presentation.
type Snapshot struct {
	ID             drones.DroneID `json:"id"`
	Position       geom.Vec3      `json:"position"`
	TargetPosition geom.Vec3      `json:"target"`
	AssignedTarget int            `json:"assigned_target"`
	Held           bool           `json:"held"`
}

// Info is the detailed view of one drone.
type Info struct {
	ID             drones.DroneID `json:"id"`
	Position       geom.Vec3      `json:"position"`
	Velocity       geom.Vec3      `json:"velocity"`
	TargetPosition geom.Vec3      `json:"target"`
	AssignedTarget int            `json:"assigned_target"`
	BestPosition   geom.Vec3      `json:"best_position"`
	BestFitness    float64        `json:"best_fitness"`
	Held           bool           `json:"held"`
}

// New creates a swarm of count drones converging onto targets. The target
// slice is copied. rng drives placement and the per-tick stochastic terms;
// pass a seeded generator for reproducible runs.
func New(count int, targets []geom.Vec3, cfg Config, rng *rand.Rand) (*Swarm, error) {
	if count < 1 {
		return nil, fmt.Errorf("new swarm with %d drones: %w", count, ErrInvalidCount)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, errors.New("new swarm: nil random source")
	}
	for i, t := range targets {
		if !t.IsFinite() {
			return nil, fmt.Errorf("target %d: %w", i, ErrInvalidPosition)
		}
	}

	s := &Swarm{
		cfg:     cfg,
		rng:     rng,
		spawner: drones.NewSpawner(rng),
		sep:     newSeparator(cfg),
	}
	s.setTargets(targets)
	s.drones = s.spawner.Spawn(count, s.targets, cfg.SpawnMargin)

	slog.Info("swarm created",
		"drones", count,
		"targets", len(s.targets),
		"strategy", cfg.Strategy,
		"separation", cfg.SeparationEnabled(),
	)
	return s, nil
}

func (s *Swarm) setTargets(targets []geom.Vec3) {
	s.targets = make([]geom.Vec3, len(targets))
	copy(s.targets, targets)
	s.claimed = make([]bool, len(targets))
}

// Rebuild replaces the target set and re-creates the whole drone collection
// with count fresh drones. IDs continue from the previous collection.
func (s *Swarm) Rebuild(count int, targets []geom.Vec3) error {
	if count < 1 {
		return fmt.Errorf("rebuild with %d drones: %w", count, ErrInvalidCount)
	}
	for i, t := range targets {
		if !t.IsFinite() {
			return fmt.Errorf("target %d: %w", i, ErrInvalidPosition)
		}
	}
	s.setTargets(targets)
	s.drones = s.spawner.Spawn(count, s.targets, s.cfg.SpawnMargin)
	slog.Info("swarm rebuilt", "drones", count, "targets", len(s.targets), "first_id", s.drones[0].ID)
	return nil
}

// Reset re-creates the drone collection around the current targets.
func (s *Swarm) Reset() {
	// Count is always positive and targets already validated.
	_ = s.Rebuild(len(s.drones), s.targets)
}

// SetTargets swaps in a new target set while keeping every drone where it is.
// Drones are re-pointed round-robin, as at construction; personal bests are
// kept, except that drones with no recorded best start one from here.
func (s *Swarm) SetTargets(targets []geom.Vec3) error {
	for i, t := range targets {
		if !t.IsFinite() {
			return fmt.Errorf("target %d: %w", i, ErrInvalidPosition)
		}
	}
	s.setTargets(targets)
	for i := range s.drones {
		d := &s.drones[i]
		if len(s.targets) == 0 {
			d.AssignedTarget = drones.Unassigned
			continue
		}
		idx := i % len(s.targets)
		d.Assign(idx, s.targets[idx])
		if math.IsInf(d.BestFitness, 1) {
			d.BestPosition = d.Position
			d.BestFitness = d.Fitness()
		}
	}
	slog.Info("swarm targets replaced", "targets", len(s.targets))
	return nil
}

// Step advances the simulation by one frame.
func (s *Swarm) Step() {
	s.tick++
	if len(s.targets) == 0 {
		return
	}

	if s.cfg.Strategy == StrategyDynamic {
		s.assignNearestFree()
	}

	s.sep.Rebuild(s.drones)
	for i := range s.drones {
		d := &s.drones[i]
		if d.Held {
			continue
		}

		r1 := s.randVec()
		r2 := s.randVec()
		cognitive := r1.Mul(d.BestPosition.Sub(d.Position)).Scale(s.cfg.CognitiveWeight)
		social := r2.Mul(d.TargetPosition.Sub(d.Position)).Scale(s.cfg.SocialWeight)
		separation := s.sep.Force(i, s.drones)

		d.Velocity = d.Velocity.Scale(s.cfg.InertiaWeight).
			Add(cognitive).
			Add(social).
			Add(separation).
			ClampLen(s.cfg.MaxVelocity)

		prev := d.Position
		d.Position = d.Position.Add(d.Velocity.Scale(s.cfg.SlowdownFactor))
		s.sep.Moved(i, prev, d.Position)

		d.UpdateBest()
	}
}

// randVec draws three independent uniform [0, 1) components.
func (s *Swarm) randVec() geom.Vec3 {
	return geom.Vec3{X: s.rng.Float64(), Y: s.rng.Float64(), Z: s.rng.Float64()}
}

// NextID returns the ID the next spawned drone will receive.
func (s *Swarm) NextID() drones.DroneID {
	return s.spawner.NextID()
}

// Renumber reissues the current drones' IDs starting at first. Used at
// startup to continue the ID sequence of an earlier process.
func (s *Swarm) Renumber(first drones.DroneID) {
	for i := range s.drones {
		s.drones[i].ID = first + drones.DroneID(i)
	}
	s.spawner.SetNextID(first + drones.DroneID(len(s.drones)))
}

// Tick returns the number of Step calls so far.
func (s *Swarm) Tick() uint64 {
	return s.tick
}

// Len returns the number of drones.
func (s *Swarm) Len() int {
	return len(s.drones)
}

// Config returns the engine tuning.
func (s *Swarm) Config() Config {
	return s.cfg
}

// Targets returns a copy of the current target set.
func (s *Swarm) Targets() []geom.Vec3 {
	out := make([]geom.Vec3, len(s.targets))
	copy(out, s.targets)
	return out
}

// Snapshots copies the presentation view of every drone.
func (s *Swarm) Snapshots() []Snapshot {
	out := make([]Snapshot, len(s.drones))
	for i := range s.drones {
		d := &s.drones[i]
		out[i] = Snapshot{
			ID:             d.ID,
			Position:       d.Position,
			TargetPosition: d.TargetPosition,
			AssignedTarget: d.AssignedTarget,
			Held:           d.Held,
		}
	}
	return out
}

// AgentInfo returns the detailed view of drone i.
func (s *Swarm) AgentInfo(i int) (Info, error) {
	if err := s.checkIndex(i); err != nil {
		return Info{}, err
	}
	d := &s.drones[i]
	return Info{
		ID:             d.ID,
		Position:       d.Position,
		Velocity:       d.Velocity,
		TargetPosition: d.TargetPosition,
		AssignedTarget: d.AssignedTarget,
		BestPosition:   d.BestPosition,
		BestFitness:    d.BestFitness,
		Held:           d.Held,
	}, nil
}

// AverageError is the mean distance from each drone to its target. It is
// +Inf while the swarm has no targets.
func (s *Swarm) AverageError() float64 {
	if len(s.targets) == 0 || len(s.drones) == 0 {
		return math.Inf(1)
	}
	total := 0.0
	for i := range s.drones {
		total += s.drones[i].Fitness()
	}
	return total / float64(len(s.drones))
}

// IsConverged reports whether AverageError is below threshold.
func (s *Swarm) IsConverged(threshold float64) bool {
	return s.AverageError() < threshold
}

// NearestAgent returns the index of the drone closest to p, provided it lies
// within maxDist.
func (s *Swarm) NearestAgent(p geom.Vec3, maxDist float64) (int, bool) {
	best, bestDist := -1, math.Inf(1)
	for i := range s.drones {
		if d := s.drones[i].Position.Dist(p); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 || bestDist >= maxDist {
		return -1, false
	}
	return best, true
}

func (s *Swarm) checkIndex(i int) error {
	if i < 0 || i >= len(s.drones) {
		return fmt.Errorf("drone %d of %d: %w", i, len(s.drones), ErrIndexOutOfRange)
	}
	return nil
}

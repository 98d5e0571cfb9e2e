// Simulation ties the swarm to its contour, run record, and convergence
// history. Every method runs on the frame loop goroutine.
package engine

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/drone-swarm/internal/contour"
	"github.com/talgya/drone-swarm/internal/geom"
	"github.com/talgya/drone-swarm/internal/persistence"
	"github.com/talgya/drone-swarm/internal/swarm"
	"github.com/talgya/drone-swarm/internal/telemetry"
)

const (
	historyLimit = 600 // in-memory samples kept (10 minutes at one per second)
	flushEvery   = 10  // samples buffered before a database write
)

// Simulation holds the swarm and everything recorded about it.
type Simulation struct {
	Swarm     *swarm.Swarm
	Origin    telemetry.Origin
	Threshold float64 // convergence threshold
	Drones    int     // fixed drone count for new contours; 0 = one per contour point
	Seed      int64

	ContourName string
	Contour     []geom.Vec3 // the contour targets were planned from

	DB  *persistence.DB // nil disables persistence
	Run *persistence.Run

	History  []persistence.Sample // most recent last
	LastTick uint64

	pending   []persistence.Sample
	converged bool
}

// Status is the aggregate view served to observers.
type Status struct {
	Tick      uint64         `json:"tick"`
	SimTime   string         `json:"sim_time"`
	Drones    int            `json:"drones"`
	Targets   int            `json:"targets"`
	Held      int            `json:"held"`
	AvgError  *float64       `json:"avg_error"` // null while there are no targets
	Converged bool           `json:"converged"`
	Threshold float64        `json:"threshold"`
	Strategy  swarm.Strategy `json:"strategy"`
	Contour   string         `json:"contour"`
	RunID     string         `json:"run_id,omitempty"`

	// Center of the target bounding box; Strays counts drones outside that
	// box padded by the convergence threshold.
	Center *geom.Vec3 `json:"center,omitempty"`
	Strays int        `json:"strays"`
}

// NewSimulation wraps a built swarm.
func NewSimulation(sw *swarm.Swarm, origin telemetry.Origin, threshold float64) *Simulation {
	return &Simulation{
		Swarm:     sw,
		Origin:    origin,
		Threshold: threshold,
	}
}

// CurrentTick returns the most recently processed tick number.
func (s *Simulation) CurrentTick() uint64 {
	return s.LastTick
}

// Step advances the swarm by one frame.
func (s *Simulation) Step(tick uint64) {
	s.Swarm.Step()
	s.LastTick = tick
}

// Second records a convergence sample and logs the periodic swarm info.
func (s *Simulation) Second(tick uint64) {
	avg := s.Swarm.AverageError()
	converged := s.Swarm.IsConverged(s.Threshold)
	sample := persistence.Sample{
		Tick:      tick,
		AvgError:  Finite(avg),
		Converged: converged,
		Held:      s.Swarm.HeldCount(),
	}

	s.History = append(s.History, sample)
	if len(s.History) > historyLimit {
		s.History = s.History[len(s.History)-historyLimit:]
	}

	slog.Debug("swarm info",
		"tick", tick,
		"avg_error", fmt.Sprintf("%.3f", avg),
		"converged", converged,
		"held", sample.Held,
	)
	if converged != s.converged {
		if converged {
			slog.Info("swarm converged", "tick", tick, "sim_time", SimTime(tick), "avg_error", fmt.Sprintf("%.3f", avg))
		} else {
			slog.Info("swarm left convergence", "tick", tick, "avg_error", fmt.Sprintf("%.3f", avg))
		}
		s.converged = converged
	}

	if s.DB != nil && s.Run != nil {
		s.pending = append(s.pending, sample)
		if len(s.pending) >= flushEvery {
			s.Flush()
		}
	}
}

// Flush writes buffered samples to the database.
func (s *Simulation) Flush() {
	if s.DB == nil || s.Run == nil || len(s.pending) == 0 {
		return
	}
	if err := s.DB.SaveSamples(s.Run.ID, s.pending); err != nil {
		slog.Error("failed to save convergence samples", "run", s.Run.ID, "error", err)
	}
	s.pending = s.pending[:0]
}

// Status summarizes the swarm.
func (s *Simulation) Status() Status {
	st := Status{
		Tick:      s.LastTick,
		SimTime:   SimTime(s.LastTick),
		Drones:    s.Swarm.Len(),
		Targets:   len(s.Swarm.Targets()),
		Held:      s.Swarm.HeldCount(),
		AvgError:  Finite(s.Swarm.AverageError()),
		Converged: s.Swarm.IsConverged(s.Threshold),
		Threshold: s.Threshold,
		Strategy:  s.Swarm.Config().Strategy,
		Contour:   s.ContourName,
	}
	if s.Run != nil {
		st.RunID = s.Run.ID
	}
	if box, ok := geom.Bounds(s.Swarm.Targets()); ok {
		c := box.Center()
		st.Center = &c
		area := box.Expand(s.Threshold)
		for _, d := range s.Swarm.Snapshots() {
			if !area.Contains(d.Position) {
				st.Strays++
			}
		}
	}
	return st
}

// LoadContour plans targets from pts and rebuilds the swarm around them.
// drones overrides the drone count when positive; otherwise the fixed count
// applies, and failing that one drone per contour point. A new run is
// recorded when persistence is enabled.
func (s *Simulation) LoadContour(name string, pts []geom.Vec3, drones int) error {
	if drones <= 0 {
		drones = s.Drones
	}
	if drones <= 0 {
		drones = contour.RecommendedDrones(pts)
	}

	targets, err := contour.PlanTargets(pts, drones)
	if err != nil {
		return fmt.Errorf("plan targets for %q: %w", name, err)
	}
	if err := s.Swarm.Rebuild(drones, targets); err != nil {
		return fmt.Errorf("rebuild swarm for %q: %w", name, err)
	}

	s.ContourName = name
	s.Contour = append([]geom.Vec3(nil), pts...)
	s.converged = false
	s.startRun()

	slog.Info("contour loaded",
		"contour", name,
		"points", len(pts),
		"drones", drones,
		"targets", len(targets),
	)
	return nil
}

// Retarget plans targets from pts for the current drone count and hands
// them to the swarm in flight, without respawning. A new run is recorded
// when persistence is enabled.
func (s *Simulation) Retarget(name string, pts []geom.Vec3) error {
	targets, err := contour.PlanTargets(pts, s.Swarm.Len())
	if err != nil {
		return fmt.Errorf("plan targets for %q: %w", name, err)
	}
	if err := s.Swarm.SetTargets(targets); err != nil {
		return fmt.Errorf("retarget swarm to %q: %w", name, err)
	}

	s.ContourName = name
	s.Contour = append([]geom.Vec3(nil), pts...)
	s.converged = false
	s.startRun()

	slog.Info("contour retargeted",
		"contour", name,
		"points", len(pts),
		"drones", s.Swarm.Len(),
		"targets", len(targets),
	)
	return nil
}

// Reset scatters a fresh swarm around the current targets.
func (s *Simulation) Reset() {
	s.Swarm.Reset()
	s.converged = false
	s.startRun()
}

// startRun closes out the current run's samples and records a new one.
func (s *Simulation) startRun() {
	if s.DB == nil {
		return
	}
	s.Flush()
	if err := s.DB.SaveNextDroneID(uint64(s.Swarm.NextID())); err != nil {
		slog.Error("failed to save next drone id", "error", err)
	}
	run, err := s.DB.StartRun(s.Swarm.Len(), len(s.Swarm.Targets()), string(s.Swarm.Config().Strategy), s.ContourName, s.Seed)
	if err != nil {
		slog.Error("failed to record run", "error", err)
		s.Run = nil
		return
	}
	s.Run = run
}

// Attach enables persistence and records the first run.
func (s *Simulation) Attach(db *persistence.DB) {
	s.DB = db
	s.startRun()
}

// Finite returns a pointer to v, or nil when v is infinite or NaN, so JSON
// and SQL carry a missing value as null.
func Finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// Drone spawning: scatters a fresh swarm through the padded bounding box of
// its targets and pre-assigns targets round-robin.
package drones

import (
	"math"
	"math/rand"

	"github.com/talgya/drone-swarm/internal/geom"
)

// DefaultMargin pads the target bounding box on every side.
const DefaultMargin = 50.0

// Spawner creates drones with monotonically increasing IDs.
type Spawner struct {
	rng    *rand.Rand
	nextID DroneID
}

// NewSpawner creates a spawner drawing placements from rng.
func NewSpawner(rng *rand.Rand) *Spawner {
	return &Spawner{rng: rng}
}

// SetNextID sets the next drone ID to be issued.
func (s *Spawner) SetNextID(id DroneID) {
	s.nextID = id
}

// NextID returns the ID the next spawned drone will receive.
func (s *Spawner) NextID() DroneID {
	return s.nextID
}

// Spawn creates count drones placed uniformly at random inside the bounding
// box of targets expanded by margin. Drone i is pre-assigned target
// i mod len(targets). With no targets the box is centered on the origin and
// drones start unassigned with no recorded best.
func (s *Spawner) Spawn(count int, targets []geom.Vec3, margin float64) []Drone {
	box, ok := geom.Bounds(targets)
	if !ok {
		box = geom.Box{}
	}
	box = box.Expand(margin)

	swarm := make([]Drone, 0, count)
	for i := 0; i < count; i++ {
		swarm = append(swarm, s.spawnOne(i, box, targets))
	}
	return swarm
}

func (s *Spawner) spawnOne(i int, box geom.Box, targets []geom.Vec3) Drone {
	id := s.nextID
	s.nextID++

	pos := geom.Vec3{
		X: s.uniform(box.Min.X, box.Max.X),
		Y: s.uniform(box.Min.Y, box.Max.Y),
		Z: s.uniform(box.Min.Z, box.Max.Z),
	}

	d := Drone{
		ID:             id,
		Position:       pos,
		BestPosition:   pos,
		BestFitness:    math.Inf(1),
		TargetPosition: pos,
		AssignedTarget: Unassigned,
	}
	if len(targets) > 0 {
		idx := i % len(targets)
		d.Assign(idx, targets[idx])
		d.BestFitness = d.Fitness()
	}
	return d
}

func (s *Spawner) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

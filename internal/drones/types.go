// Package drones provides the drone record and the spawner that places a
// fresh swarm around its target set.
package drones

import (
	"github.com/talgya/drone-swarm/internal/geom"
)

// DroneID is a stable identifier; IDs are never reused, even across swarm resets.
type DroneID uint64

// Unassigned marks a drone holding no target index this tick.
const Unassigned = -1

// Drone is one simulated point mass.
type Drone struct {
	ID DroneID `json:"id"`

	// Kinematics
	Position geom.Vec3 `json:"position"`
	Velocity geom.Vec3 `json:"velocity"`

	// Personal best, recorded against whichever target was active at the
	// time. A later target change does not reset it.
	BestPosition geom.Vec3 `json:"best_position"`
	BestFitness  float64   `json:"best_fitness"`

	// Assignment
	TargetPosition geom.Vec3 `json:"target_position"`
	AssignedTarget int       `json:"assigned_target"` // index into the target set, or Unassigned

	// Held drones are under operator control and skip automatic updates.
	Held bool `json:"held"`
}

// Fitness is the current distance to the assigned target; lower is better.
func (d *Drone) Fitness() float64 {
	return d.Position.Dist(d.TargetPosition)
}

// UpdateBest records the current position as the personal best when it
// improves on the best fitness so far. Returns true on improvement.
func (d *Drone) UpdateBest() bool {
	f := d.Fitness()
	if f < d.BestFitness {
		d.BestFitness = f
		d.BestPosition = d.Position
		return true
	}
	return false
}

// Assign points the drone at target index idx.
func (d *Drone) Assign(idx int, target geom.Vec3) {
	d.AssignedTarget = idx
	d.TargetPosition = target
}

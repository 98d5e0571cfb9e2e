package swarm

import (
	"log/slog"
	"math"

	"github.com/talgya/drone-swarm/internal/drones"
)

// assignNearestFree clears every assignment, then lets each drone in index
// order claim the nearest target nobody has claimed this tick. Ties go to
// the lower target index. Drones left without a target keep flying toward
// their previous TargetPosition.
func (s *Swarm) assignNearestFree() {
	for j := range s.claimed {
		s.claimed[j] = false
	}
	for i := range s.drones {
		s.drones[i].AssignedTarget = drones.Unassigned
	}

	for i := range s.drones {
		d := &s.drones[i]
		best, bestDist := -1, math.Inf(1)
		for j, t := range s.targets {
			if s.claimed[j] {
				continue
			}
			if dist := d.Position.Sub(t).LenSq(); dist < bestDist {
				best, bestDist = j, dist
			}
		}
		if best < 0 {
			continue
		}
		d.Assign(best, s.targets[best])
		s.claimed[best] = true
	}
}

// ReassignResult summarizes one global reassignment.
type ReassignResult struct {
	Before   float64 `json:"total_distance_before"`
	After    float64 `json:"total_distance_after"`
	Assigned int     `json:"assigned"`
	Applied  bool    `json:"applied"`
}

// Reassign runs the global greedy assignment: over the full drone×target
// distance matrix it repeatedly takes the smallest remaining pair, then
// retires that drone's row and that target's column, min(drones, targets)
// times. Drones left over become Unassigned and keep their prior target
// position.
//
// Greedy matching can lose to the assignment already in place, so the result
// is applied only when it does not increase the total drone-to-target
// distance. The scan is O(drones·targets) per pick and blocks the caller.
func (s *Swarm) Reassign() ReassignResult {
	n, m := len(s.drones), len(s.targets)
	res := ReassignResult{Before: s.totalDistance()}
	if n == 0 || m == 0 {
		res.After = res.Before
		return res
	}

	inf := math.Inf(1)
	dist := make([]float64, n*m)
	for i := range s.drones {
		p := s.drones[i].Position
		for j, t := range s.targets {
			dist[i*m+j] = p.Dist(t)
		}
	}

	pick := make([]int, n)
	for i := range pick {
		pick[i] = drones.Unassigned
	}
	for k := 0; k < min(n, m); k++ {
		best, bestIdx := inf, -1
		for idx, d := range dist {
			if d < best {
				best, bestIdx = d, idx
			}
		}
		if bestIdx < 0 {
			break
		}
		bi, bj := bestIdx/m, bestIdx%m
		pick[bi] = bj
		res.Assigned++
		for j := 0; j < m; j++ {
			dist[bi*m+j] = inf
		}
		for i := 0; i < n; i++ {
			dist[i*m+bj] = inf
		}
	}

	after := 0.0
	for i := range s.drones {
		d := &s.drones[i]
		if pick[i] == drones.Unassigned {
			after += d.Fitness()
			continue
		}
		after += d.Position.Dist(s.targets[pick[i]])
	}
	res.After = after

	if after > res.Before {
		res.After = res.Before
		slog.Info("global reassignment rejected",
			"greedy_total", after,
			"current_total", res.Before,
		)
		return res
	}

	for i := range s.drones {
		d := &s.drones[i]
		if pick[i] == drones.Unassigned {
			d.AssignedTarget = drones.Unassigned
			continue
		}
		d.Assign(pick[i], s.targets[pick[i]])
	}
	res.Applied = true

	slog.Info("global reassignment applied",
		"assigned", res.Assigned,
		"total_before", res.Before,
		"total_after", res.After,
	)
	return res
}

func (s *Swarm) totalDistance() float64 {
	total := 0.0
	for i := range s.drones {
		total += s.drones[i].Fitness()
	}
	return total
}

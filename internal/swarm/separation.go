package swarm

import (
	"math"

	"github.com/talgya/drone-swarm/internal/drones"
	"github.com/talgya/drone-swarm/internal/geom"
)

// Separator computes the short-range repulsion acting on one drone.
//
// Rebuild is called once per tick before any drone moves; Moved after each
// drone's integration so indexes stay in step with the sequential update.
type Separator interface {
	Rebuild(swarm []drones.Drone)
	Moved(i int, from, to geom.Vec3)
	Force(i int, swarm []drones.Drone) geom.Vec3
}

func newSeparator(cfg Config) Separator {
	if !cfg.SeparationEnabled() {
		return noSeparation{}
	}
	if cfg.SeparationIndex == IndexGrid {
		return newGridSeparator(cfg.PersonalSpace, cfg.SeparationWeight)
	}
	return &bruteSeparator{radius: cfg.PersonalSpace, weight: cfg.SeparationWeight}
}

// repulsion is the push on a drone at p from a neighbor at q. Coincident
// and out-of-range neighbors contribute nothing.
func repulsion(p, q geom.Vec3, radius float64) geom.Vec3 {
	diff := p.Sub(q)
	dist := diff.Len()
	if dist <= 0 || dist >= radius {
		return geom.Zero
	}
	return diff.Scale((radius - dist) / dist)
}

type noSeparation struct{}

func (noSeparation) Rebuild([]drones.Drone)              {}
func (noSeparation) Moved(int, geom.Vec3, geom.Vec3)     {}
func (noSeparation) Force(int, []drones.Drone) geom.Vec3 { return geom.Zero }

// bruteSeparator checks every pair.
type bruteSeparator struct {
	radius, weight float64
}

func (b *bruteSeparator) Rebuild([]drones.Drone)          {}
func (b *bruteSeparator) Moved(int, geom.Vec3, geom.Vec3) {}

func (b *bruteSeparator) Force(i int, swarm []drones.Drone) geom.Vec3 {
	sum := geom.Zero
	p := swarm[i].Position
	for j := range swarm {
		if j == i {
			continue
		}
		sum = sum.Add(repulsion(p, swarm[j].Position, b.radius))
	}
	return sum.Scale(b.weight)
}

// cell is a cube of side radius in the spatial hash.
type cell struct {
	X, Y, Z int
}

// gridSeparator buckets drones into cubes of side radius, so every neighbor
// within range sits in the 27 cells around a drone.
type gridSeparator struct {
	radius, weight float64
	cells          map[cell][]int
	where          []cell
}

func newGridSeparator(radius, weight float64) *gridSeparator {
	return &gridSeparator{
		radius: radius,
		weight: weight,
		cells:  make(map[cell][]int),
	}
}

func (g *gridSeparator) cellOf(p geom.Vec3) cell {
	return cell{
		X: int(math.Floor(p.X / g.radius)),
		Y: int(math.Floor(p.Y / g.radius)),
		Z: int(math.Floor(p.Z / g.radius)),
	}
}

func (g *gridSeparator) Rebuild(swarm []drones.Drone) {
	for k := range g.cells {
		delete(g.cells, k)
	}
	if cap(g.where) < len(swarm) {
		g.where = make([]cell, len(swarm))
	}
	g.where = g.where[:len(swarm)]
	for i := range swarm {
		c := g.cellOf(swarm[i].Position)
		g.cells[c] = append(g.cells[c], i)
		g.where[i] = c
	}
}

func (g *gridSeparator) Moved(i int, _, to geom.Vec3) {
	nc := g.cellOf(to)
	old := g.where[i]
	if nc == old {
		return
	}
	bucket := g.cells[old]
	for k, j := range bucket {
		if j == i {
			bucket[k] = bucket[len(bucket)-1]
			bucket = bucket[:len(bucket)-1]
			break
		}
	}
	if len(bucket) == 0 {
		delete(g.cells, old)
	} else {
		g.cells[old] = bucket
	}
	g.cells[nc] = append(g.cells[nc], i)
	g.where[i] = nc
}

func (g *gridSeparator) Force(i int, swarm []drones.Drone) geom.Vec3 {
	sum := geom.Zero
	p := swarm[i].Position
	c := g.where[i]
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				for _, j := range g.cells[cell{c.X + dx, c.Y + dy, c.Z + dz}] {
					if j == i {
						continue
					}
					sum = sum.Add(repulsion(p, swarm[j].Position, g.radius))
				}
			}
		}
	}
	return sum.Scale(g.weight)
}

package swarm

import (
	"fmt"
	"log/slog"

	"github.com/talgya/drone-swarm/internal/geom"
)

// StartHold puts drone i under operator control: automatic updates stop and
// its velocity is zeroed so no drift is carried into the release.
func (s *Swarm) StartHold(i int) error {
	if err := s.checkIndex(i); err != nil {
		return err
	}
	d := &s.drones[i]
	d.Held = true
	d.Velocity = geom.Zero
	slog.Debug("drone held", "index", i, "id", d.ID)
	return nil
}

// SetPosition moves drone i to p. It is meant for held drones; on a free
// drone the next Step simply moves it on from p.
func (s *Swarm) SetPosition(i int, p geom.Vec3) error {
	if err := s.checkIndex(i); err != nil {
		return err
	}
	if !p.IsFinite() {
		return fmt.Errorf("drone %d to %v: %w", i, p, ErrInvalidPosition)
	}
	s.drones[i].Position = p
	return nil
}

// StopHold releases drone i; it resumes automatic updates on the next Step
// from wherever it was placed, starting at zero velocity.
func (s *Swarm) StopHold(i int) error {
	if err := s.checkIndex(i); err != nil {
		return err
	}
	d := &s.drones[i]
	d.Held = false
	slog.Debug("drone released", "index", i, "id", d.ID, "position", d.Position)
	return nil
}

// HeldCount returns the number of drones under operator control.
func (s *Swarm) HeldCount() int {
	n := 0
	for i := range s.drones {
		if s.drones[i].Held {
			n++
		}
	}
	return n
}

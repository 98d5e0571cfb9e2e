package steward

import (
	"fmt"
	"log/slog"
)

// RunCycle executes one observe, decide, act cycle and records it in mem.
func RunCycle(observer *Observer, actor *Actor, p Policy, mem *CycleMemory) (*Decision, error) {
	snap, err := observer.Observe()
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	h := Triage(snap, p.MinImprovement)
	slog.Info("observation complete",
		"tick", snap.Status.Swarm.Tick,
		"drones", snap.Status.Swarm.Drones,
		"avg_error", fmt.Sprintf("%.2f", h.AvgError),
		"improvement", fmt.Sprintf("%.3f", h.Improvement),
		"level", h.Level,
	)

	d := Decide(p, snap, h, mem)
	rec := CycleRecord{
		Tick:        snap.Status.Swarm.Tick,
		RunID:       snap.Status.Swarm.RunID,
		Action:      d.Action,
		AvgError:    h.AvgError,
		Improvement: h.Improvement,
		Level:       h.Level,
		Rationale:   d.Rationale,
	}
	slog.Info("decision made", "action", d.Action, "rationale", d.Rationale)

	if d.Action == ActionReassign {
		res, err := actor.Reassign()
		if err != nil {
			return d, fmt.Errorf("act: %w", err)
		}
		rec.Applied = res.Applied
		slog.Info("reassignment executed",
			"applied", res.Applied,
			"before", fmt.Sprintf("%.1f", res.Before),
			"after", fmt.Sprintf("%.1f", res.After),
		)
	}

	mem.Record(rec)
	return d, nil
}

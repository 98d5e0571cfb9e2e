package steward

import "fmt"

// Actions a cycle can take.
const (
	ActionNone     = "none"
	ActionReassign = "reassign"
)

// Only a global-strategy swarm keeps its assignment between ticks.
const strategyGlobal = "global"

// Policy bounds when the steward may intervene.
type Policy struct {
	MinSamples     int     // history samples needed before judging a stall
	MinImprovement float64 // fractional error drop across the window that counts as progress
	Cooldown       uint64  // ticks to wait after a reassign in the same run
}

// DefaultPolicy judges over 20 seconds of history and waits a minute
// between reassigns.
func DefaultPolicy() Policy {
	return Policy{
		MinSamples:     20,
		MinImprovement: 0.05,
		Cooldown:       3600,
	}
}

// Decision is the steward's recommended action.
type Decision struct {
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
}

// Decide turns a snapshot into a Decision. The swarm is only reassigned
// when it runs the global strategy and is stalled above threshold with no
// drone held by an operator. The last reassign of the same run must also be
// outside the cooldown.
func Decide(p Policy, snap *Snapshot, h *SwarmHealth, mem *CycleMemory) *Decision {
	st := snap.Status.Swarm
	none := func(format string, args ...any) *Decision {
		return &Decision{Action: ActionNone, Rationale: fmt.Sprintf(format, args...)}
	}

	switch {
	case st.Strategy != strategyGlobal:
		return none("swarm uses the %q strategy, assignment is redone every tick", st.Strategy)
	case h.Level != LevelStalled:
		return none("swarm %s (avg error %.2f)", h.Level, h.AvgError)
	case h.Samples < p.MinSamples:
		return none("only %d samples, need %d", h.Samples, p.MinSamples)
	case h.Held > 0:
		return none("%d drones held by an operator", h.Held)
	}

	if last, ok := mem.Last(ActionReassign); ok && last.RunID == st.RunID && st.Tick < last.Tick+p.Cooldown {
		return none("reassigned %d ticks ago", st.Tick-last.Tick)
	}

	return &Decision{
		Action: ActionReassign,
		Rationale: fmt.Sprintf("avg error %.2f above %.2f improved %.1f%% over %d samples",
			h.AvgError, h.Threshold, 100*h.Improvement, h.Samples),
	}
}

package steward

// Health levels, worst first.
const (
	LevelStalled   = "STALLED"
	LevelSlow      = "SLOW"
	LevelSettling  = "SETTLING"
	LevelConverged = "CONVERGED"
	LevelIdle      = "IDLE"
)

// SwarmHealth holds derived diagnostic signals computed from a Snapshot.
// Deterministic; runs before any decision.
type SwarmHealth struct {
	AvgError    float64 // latest average error; -1 when unknown
	Threshold   float64
	Samples     int     // usable samples from the current run
	Improvement float64 // fractional drop in average error across the window
	Held        int
	Level       string
}

// Triage computes a SwarmHealth from the snapshot's data. Improvement is
// measured over history samples of the current run only; a run change
// between fetches leaves too few samples to judge.
func Triage(snap *Snapshot, minImprovement float64) *SwarmHealth {
	st := snap.Status.Swarm
	h := &SwarmHealth{
		AvgError:  -1,
		Threshold: st.Threshold,
		Held:      st.Held,
	}

	if st.AvgError == nil || st.Targets == 0 {
		h.Level = LevelIdle
		return h
	}
	h.AvgError = *st.AvgError
	if st.Converged {
		h.Level = LevelConverged
		return h
	}

	var errs []float64
	if snap.History.RunID == st.RunID {
		for _, s := range snap.History.Samples {
			if s.AvgError != nil {
				errs = append(errs, *s.AvgError)
			}
		}
	}
	h.Samples = len(errs)

	if len(errs) >= 2 && errs[0] > 0 {
		oldest, newest := errs[0], errs[len(errs)-1]
		h.Improvement = (oldest - newest) / oldest
	}

	switch {
	case len(errs) < 2:
		h.Level = LevelSettling
	case h.Improvement < minImprovement:
		h.Level = LevelStalled
	case h.Improvement < 2*minImprovement:
		h.Level = LevelSlow
	default:
		h.Level = LevelSettling
	}
	return h
}

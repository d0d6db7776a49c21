package loopdetect

// Advice is the replay helper's verdict on one intercepted event.
type Advice struct {
	// Switch tells the scheduler the pre-recorded run is complete and
	// the baton must move.
	Switch bool

	// InSpinCycle is set while the current event falls inside the
	// recorded spin cycle of the current node; the collector places the
	// spin-cycle marker off it.
	InSpinCycle bool

	// Period is the recorded cycle period of the current node.
	Period int

	// Deadlock is set when the final node's switch is reached and the
	// originating failure was a live- or deadlock: the replayed
	// invocation must terminate the same way.
	Deadlock bool
}

// Replayer drives a trace-collection re-run through the exact
// interleaving summarised by a failing invocation. On every intercepted
// event it counts executions in the current worker run and advises a
// switch when the run reaches its recorded length: the lead-in plus one
// full cycle.
type Replayer struct {
	history     []HistoryNode
	idx         int
	executions  int
	lockFailure bool
}

// NewReplayer creates a replayer over a recorded interleaving.
// lockFailure marks that the original failure was a live/deadlock, so
// the replay re-raises Deadlock once the history is exhausted.
func NewReplayer(history []HistoryNode, lockFailure bool) *Replayer {
	return &Replayer{history: history, lockFailure: lockFailure}
}

// VisitEvent accounts one event of the current worker run.
func (r *Replayer) VisitEvent() Advice {
	if r.idx >= len(r.history) {
		// Ran past the recorded interleaving. For lock-based failures
		// this is the recorded end state.
		return Advice{Deadlock: r.lockFailure}
	}
	n := r.history[r.idx]
	r.executions++

	adv := Advice{Period: n.SpinCyclePeriod}
	if n.CycleFound && r.executions > n.ExecutionsWithExtraEvents {
		adv.InSpinCycle = true
	}
	if r.executions >= n.ExecutionsWithExtraEvents+n.SpinCyclePeriod {
		adv.Switch = true
		if r.idx == len(r.history)-1 && r.lockFailure {
			adv.Deadlock = true
		}
	}
	return adv
}

// OnSwitch advances to the next node after the scheduler acted on a
// Switch advice.
func (r *Replayer) OnSwitch() {
	r.idx++
	r.executions = 0
}

// CurrentlyInSpinCycle reports whether the run position is inside the
// current node's recorded cycle.
func (r *Replayer) CurrentlyInSpinCycle() bool {
	if r.idx >= len(r.history) {
		return false
	}
	n := r.history[r.idx]
	return n.CycleFound && r.executions > n.ExecutionsWithExtraEvents
}

// IsActiveLockNode reports whether the current node recorded a spin
// cycle, distinguishing ActiveLock switches from plain strategy ones
// during replay.
func (r *Replayer) IsActiveLockNode() bool {
	if r.idx >= len(r.history) {
		return false
	}
	return r.history[r.idx].CycleFound
}

package loopdetect

import "github.com/kolkov/modelcheck/internal/check/codeloc"

// findCycle finds the repetition structure of one worker run.
//
// Given the sequence of event identities, it returns (prefix, period)
// such that events[prefix:prefix+period] equals
// events[prefix+period:prefix+2*period] and the remaining tail is an
// exact repetition, choosing the pair that minimises prefix+period.
// At least two full periods must be present.
func findCycle(events []codeloc.ID) (prefix, period int, ok bool) {
	n := len(events)
	for s := 1; s <= n; s++ {
		for p := 1; p <= s; p++ {
			pre := s - p
			if pre+2*p > n {
				continue
			}
			match := true
			for i := pre; i+p < n; i++ {
				if events[i] != events[i+p] {
					match = false
					break
				}
			}
			if match {
				return pre, p, true
			}
		}
	}
	return 0, 0, false
}

// identifyCycle measures the spin cycle of the current run's history.
//
// Two attempts are made. The first uses the full history, including the
// receiver/parameter value views, so both lead-in and period come out in
// the rich alphabet. If that fails, the history is filtered down to
// switch-point and method-enter/exit events and retried; a hit there is
// mapped back to full-history coordinates. If both fail the run is
// tagged as a cycle of period 0: the worker is live but its period
// could not be determined, and a single cycle iteration is still
// recorded for reporting.
//
// The returned node's ExecutionHash covers only the switch-point CLIDs
// inside one period, so replay can recognise the same cycle regardless
// of how long the lead-in happened to be.
func identifyCycle(w int, history []codeloc.ID) HistoryNode {
	node := HistoryNode{Worker: w, CycleFound: true}

	prefix, period, ok := findCycle(history)
	if !ok {
		// Retry without value views.
		var filtered []codeloc.ID
		var indices []int
		for i, id := range history {
			if id > 0 {
				filtered = append(filtered, id)
				indices = append(indices, i)
			}
		}
		var fp, fper int
		fp, fper, ok = findCycle(filtered)
		if ok {
			prefix = indices[fp]
			period = indices[fp+fper] - indices[fp]
		}
	}

	if !ok {
		// Live region with undeterminable period.
		node.Executions = baseCount(history)
		node.ExecutionsWithExtraEvents = len(history)
		node.SpinCyclePeriod = 0
		node.ExecutionHash = hashSwitchPoints(history)
		return node
	}

	node.Executions = baseCount(history[:prefix])
	node.ExecutionsWithExtraEvents = prefix
	node.SpinCyclePeriod = period
	node.ExecutionHash = hashSwitchPoints(history[prefix : prefix+period])
	return node
}

// baseCount counts the events of the base alphabet (switch points and
// method enter/exit), skipping value views.
func baseCount(events []codeloc.ID) int {
	n := 0
	for _, id := range events {
		if id > 0 {
			n++
		}
	}
	return n
}

// hashSwitchPoints XORs the switch-point CLIDs of a slice of events.
func hashSwitchPoints(events []codeloc.ID) uint32 {
	var h uint32
	for _, id := range events {
		if codeloc.IsSwitchPoint(id) {
			h ^= uint32(id)
		}
	}
	return h
}

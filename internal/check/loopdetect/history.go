package loopdetect

// HistoryNode summarises one worker run of an invocation: which worker
// ran, how many events it executed before its spin cycle (if any), the
// cycle period, and a hash of the cycle body's switch points. A sequence
// of these records an entire interleaving, one node per run.
type HistoryNode struct {
	Worker     int
	CycleFound bool

	// Executions is the lead-in before the spin cycle, counted over the
	// base alphabet (switch points and method enter/exit). For a run
	// without a cycle it is the run's full event count.
	Executions int

	// SpinCyclePeriod is the cycle length in full-alphabet events,
	// 0 when no cycle (or an undeterminable one) was found.
	SpinCyclePeriod int

	// ExecutionHash is the XOR of the switch-point CLIDs inside one
	// cycle period; for non-cyclic runs, of the whole run.
	ExecutionHash uint32

	// ExecutionsWithExtraEvents is the lead-in measured over the full
	// alphabet, including receiver/parameter value views.
	ExecutionsWithExtraEvents int
}

type setKey struct {
	worker     int
	executions int
	hash       uint32
}

type setNode struct {
	children map[setKey]*setNode
	cycle    *CycleInfo
}

func newSetNode() *setNode {
	return &setNode{children: make(map[setKey]*setNode)}
}

// CycleInfo is what the tracking set knows about a spin cycle reached
// through a particular interleaving prefix.
type CycleInfo struct {
	Executions                int
	ExecutionsWithExtraEvents int
	Period                    int
	Hash                      uint32
}

// CycleSet is the prefix trie of interleavings known (from prior
// invocations) to lead into spin cycles. It persists across
// invocations; the per-invocation Cursor walks it incrementally.
type CycleSet struct {
	root *setNode
}

// NewCycleSet creates an empty tracking set.
func NewCycleSet() *CycleSet {
	return &CycleSet{root: newSetNode()}
}

// Add merges an interleaving that ended in a spin cycle into the set.
// The final node carries the cycle; interior nodes are plain prefix
// steps.
func (s *CycleSet) Add(history []HistoryNode) {
	if len(history) == 0 {
		return
	}
	cur := s.root
	for _, n := range history[:len(history)-1] {
		key := setKey{n.Worker, n.Executions, n.ExecutionHash}
		child, ok := cur.children[key]
		if !ok {
			child = newSetNode()
			cur.children[key] = child
		}
		cur = child
	}
	last := history[len(history)-1]
	key := setKey{last.Worker, last.Executions, last.ExecutionHash}
	child, ok := cur.children[key]
	if !ok {
		child = newSetNode()
		cur.children[key] = child
	}
	child.cycle = &CycleInfo{
		Executions:                last.Executions,
		ExecutionsWithExtraEvents: last.ExecutionsWithExtraEvents,
		Period:                    last.SpinCyclePeriod,
		Hash:                      last.ExecutionHash,
	}
}

// Cursor follows the current invocation through the tracking set. It is
// advanced once per completed worker run and queried on every event to
// detect, before the visit threshold fires, that the run has entered a
// cycle recorded by a prior invocation.
type Cursor struct {
	set  *CycleSet
	node *setNode
	lost bool
}

// NewCursor creates a cursor positioned at the set's root.
func NewCursor(set *CycleSet) *Cursor {
	return &Cursor{set: set, node: set.root}
}

// Reset repositions the cursor for a new invocation.
func (c *Cursor) Reset() {
	c.node = c.set.root
	c.lost = false
}

// Advance descends by a completed run's summary. Once the current
// interleaving diverges from every tracked prefix the cursor is lost
// for the rest of the invocation.
func (c *Cursor) Advance(n HistoryNode) {
	if c.lost {
		return
	}
	key := setKey{n.Worker, n.Executions, n.ExecutionHash}
	child, ok := c.node.children[key]
	if !ok {
		c.lost = true
		return
	}
	c.node = child
}

// Match reports the known cycle the current run of worker w has entered,
// nil if none. extra selects which lead-in measurement to compare
// against, matching the detector's current tracking mode. A re-entered
// worker resumes at the event its last run was interrupted on, so the
// cycle is recognised one event earlier.
func (c *Cursor) Match(w, baseExec, allExec int, extra, reentered bool) *CycleInfo {
	if c.lost {
		return nil
	}
	// Map iteration order is not deterministic; when several known
	// cycles match, always pick the same one (smallest lead, then
	// period, then hash) so replayed runs cannot diverge.
	var best *CycleInfo
	for key, child := range c.node.children {
		if key.worker != w || child.cycle == nil {
			continue
		}
		lead := child.cycle.Executions
		exec := baseExec
		if extra {
			lead = child.cycle.ExecutionsWithExtraEvents
			exec = allExec
		}
		if reentered {
			exec++
		}
		if exec <= lead {
			continue
		}
		if best == nil || cycleLess(child.cycle, best) {
			best = child.cycle
		}
	}
	return best
}

func cycleLess(a, b *CycleInfo) bool {
	if a.Executions != b.Executions {
		return a.Executions < b.Executions
	}
	if a.Period != b.Period {
		return a.Period < b.Period
	}
	return a.Hash < b.Hash
}

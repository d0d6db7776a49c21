// Package loopdetect implements spin-loop and live-lock detection for
// the managed strategy.
//
// The detector counts per-CLID visits within the current worker run. A
// location visited more often than the hanging-detection threshold marks
// a spin: the run is summarised as a history node, the interleaving
// prefix goes into a tracking set, and later invocations that walk the
// same prefix are cut short as soon as they re-enter the known cycle.
// A global execution ceiling turns unbounded spinning across workers
// into a live-lock verdict.
//
// In replay mode the detector stops measuring and instead drives the
// run through a pre-recorded interleaving, reporting cycle positions so
// the collector can mark them in the trace.
package loopdetect

import (
	"fmt"

	"github.com/kolkov/modelcheck/internal/check/codeloc"
)

// Sudden is a detector-initiated abort of the invocation.
type Sudden int

// Sudden results. None means the invocation continues.
const (
	SuddenNone Sudden = iota

	// SuddenSpinCycleFirstTime: a spin was detected with extra-events
	// tracking off. The invocation must be re-run with tracking on to
	// measure the cycle.
	SuddenSpinCycleFirstTime

	// SuddenSpinCycleMeasured: the cycle was identified and recorded;
	// the search can continue with the next invocation.
	SuddenSpinCycleMeasured

	// SuddenLivelock: the global execution ceiling was exceeded.
	SuddenLivelock

	// SuddenDeadlock: a replayed lock-based failure reached its
	// recorded end.
	SuddenDeadlock
)

// Visit is the detector's verdict on one intercepted event.
type Visit struct {
	// Switch tells the caller the worker must be switched out.
	Switch bool

	// Sudden, when not SuddenNone, aborts the invocation.
	Sudden Sudden

	// InSpinCycle and Period surface the replay helper's position for
	// spin-cycle markers. Only set in replay mode.
	InSpinCycle bool
	Period      int
}

// Detector is the per-strategy loop detector. The tracking set persists
// across invocations; everything else is reset per invocation.
type Detector struct {
	threshold         int
	livelockThreshold int

	visitCount  map[codeloc.ID]int
	history     []codeloc.ID
	interleaving []HistoryNode

	trackingSet *CycleSet
	cursor      *Cursor

	// Per-run counters for the current worker run.
	currentWorker  int
	baseExecutions int
	allExecutions  int
	reentered      bool
	runHash        uint32
	foundCycle     *HistoryNode
	earlyCycle     *CycleInfo

	totalExecutions int
	threadsRan      map[int]bool

	// trackExtra is set once a spin has been found for the first time;
	// value views are recorded from then on so cycles can be measured.
	trackExtra bool

	replayer *Replayer
}

// New creates a detector. The live-lock ceiling must be strictly greater
// than the hanging-detection threshold; configurations violating this
// are refused.
func New(hangingThreshold, livelockThreshold int) (*Detector, error) {
	if hangingThreshold <= 0 {
		return nil, fmt.Errorf("loopdetect: hanging detection threshold %d, want > 0", hangingThreshold)
	}
	if livelockThreshold <= hangingThreshold {
		return nil, fmt.Errorf("loopdetect: livelock threshold %d must exceed hanging threshold %d",
			livelockThreshold, hangingThreshold)
	}
	set := NewCycleSet()
	return &Detector{
		threshold:         hangingThreshold,
		livelockThreshold: livelockThreshold,
		trackingSet:       set,
		cursor:            NewCursor(set),
		visitCount:        make(map[codeloc.ID]int),
		threadsRan:        make(map[int]bool),
	}, nil
}

// TrackingExtraEvents reports whether value views are being recorded.
func (d *Detector) TrackingExtraEvents() bool { return d.trackExtra }

// EnableExtraEvents turns on value-view tracking for the re-run that
// measures a freshly detected spin cycle. It stays on for the rest of
// the strategy's lifetime.
func (d *Detector) EnableExtraEvents() { d.trackExtra = true }

// ReplayActive reports whether a replayer drives the current run.
func (d *Detector) ReplayActive() bool { return d.replayer != nil }

// Replayer exposes the active replay helper, nil outside replay mode.
func (d *Detector) Replayer() *Replayer { return d.replayer }

// EnableReplay switches the detector into replay mode over a recorded
// interleaving.
func (d *Detector) EnableReplay(history []HistoryNode, lockFailure bool) {
	d.replayer = NewReplayer(history, lockFailure)
}

// DisableReplay leaves replay mode.
func (d *Detector) DisableReplay() { d.replayer = nil }

// OnInvocationStart resets the per-invocation state. The tracking set
// and the extra-events flag survive; the cursor restarts at the root.
func (d *Detector) OnInvocationStart(firstWorker int) {
	d.visitCount = make(map[codeloc.ID]int)
	d.history = nil
	d.interleaving = nil
	d.totalExecutions = 0
	d.threadsRan = make(map[int]bool)
	d.cursor.Reset()
	d.enterWorker(firstWorker)
	if d.replayer != nil {
		d.replayer.idx = 0
		d.replayer.executions = 0
	}
}

func (d *Detector) enterWorker(w int) {
	d.currentWorker = w
	d.baseExecutions = 0
	d.allExecutions = 0
	// A re-entered worker resumes at the event interrupted by the
	// switch point; the cursor treats that event as already executed.
	d.reentered = d.threadsRan[w]
	d.runHash = 0
	d.foundCycle = nil
	d.earlyCycle = nil
	d.visitCount = make(map[codeloc.ID]int)
	d.history = nil
}

// VisitCodeLocation accounts one intercepted event of worker w and
// decides whether the worker must be switched out.
func (d *Detector) VisitCodeLocation(w int, cl codeloc.ID) Visit {
	if d.replayer != nil {
		if cl == codeloc.SuspensionSentinel {
			// Invisible in recording mode, so invisible here too.
			return Visit{}
		}
		d.history = append(d.history, cl)
		adv := d.replayer.VisitEvent()
		v := Visit{Switch: adv.Switch, InSpinCycle: adv.InSpinCycle, Period: adv.Period}
		if adv.Deadlock {
			v.Sudden = SuddenDeadlock
		}
		return v
	}

	d.totalExecutions++
	if cl == codeloc.SuspensionSentinel {
		// The sentinel never contributes to loop counts.
		return Visit{}
	}
	if codeloc.IsValueView(cl) && !d.trackExtra {
		return Visit{}
	}

	d.history = append(d.history, cl)
	d.allExecutions++
	if cl > 0 {
		d.baseExecutions++
	}
	if codeloc.IsSwitchPoint(cl) {
		d.runHash ^= uint32(cl)
	}
	d.visitCount[cl]++

	detectedFirstTime := d.visitCount[cl] > d.threshold
	detectedEarly := d.cursor.Match(w, d.baseExecutions, d.allExecutions, d.trackExtra, d.reentered)

	if detectedFirstTime && detectedEarly == nil {
		if !d.trackExtra {
			// First pass has no value views to measure the cycle with:
			// request a tracked re-run of the same interleaving.
			return Visit{Switch: true, Sudden: d.livelockOr(SuddenSpinCycleFirstTime)}
		}
		node := identifyCycle(w, d.history)
		d.foundCycle = &node
		return Visit{Switch: true, Sudden: d.livelockOr(SuddenSpinCycleMeasured)}
	}

	if detectedEarly != nil && !detectedFirstTime {
		// The cycle is known from a prior invocation; charge its
		// amortised cost and record it on the current run.
		d.totalExecutions += d.threshold
		d.earlyCycle = detectedEarly
		d.foundCycle = &HistoryNode{
			Worker:                    w,
			CycleFound:                true,
			Executions:                detectedEarly.Executions,
			ExecutionsWithExtraEvents: detectedEarly.ExecutionsWithExtraEvents,
			SpinCyclePeriod:           detectedEarly.Period,
			ExecutionHash:             detectedEarly.Hash,
		}
		if d.totalExecutions > d.livelockThreshold {
			return Visit{Switch: true, Sudden: SuddenLivelock}
		}
		return Visit{Switch: true}
	}

	return Visit{Switch: detectedFirstTime || detectedEarly != nil}
}

func (d *Detector) livelockOr(s Sudden) Sudden {
	if d.totalExecutions > d.livelockThreshold {
		return SuddenLivelock
	}
	return s
}

// OnSwitch commits the summary of the outgoing worker's run and prepares
// counters for the incoming one.
func (d *Detector) OnSwitch(from, to int) {
	d.commitRun(from)
	d.enterWorker(to)
	if d.replayer != nil {
		d.replayer.OnSwitch()
	}
}

// commitRun summarises the outgoing worker's run. Empty runs (a baton
// transfer with no events, e.g. a failed lock retry) still commit a
// node so the replayed node sequence aligns one-to-one with baton
// transfers.
func (d *Detector) commitRun(w int) {
	var node HistoryNode
	if d.foundCycle != nil {
		node = *d.foundCycle
	} else {
		node = HistoryNode{
			Worker:                    w,
			Executions:                d.baseExecutions,
			ExecutionsWithExtraEvents: d.allExecutions,
			ExecutionHash:             d.runHash,
		}
	}
	d.interleaving = append(d.interleaving, node)
	d.cursor.Advance(node)
	d.threadsRan[w] = true
}

// FinishInvocation commits the in-progress run and returns the complete
// interleaving history of the invocation.
func (d *Detector) FinishInvocation() []HistoryNode {
	d.commitRun(d.currentWorker)
	d.baseExecutions = 0
	d.allExecutions = 0
	d.foundCycle = nil
	out := make([]HistoryNode, len(d.interleaving))
	copy(out, d.interleaving)
	return out
}

// CommitInterleaving merges an interleaving that ended in a spin cycle
// into the tracking set, enabling early detection on later invocations.
func (d *Detector) CommitInterleaving(history []HistoryNode) {
	d.trackingSet.Add(history)
}

// ReplayHistory truncates an interleaving for the trace-collection
// re-run: everything up to and including the last cycle node. The
// replayer itself runs each cycle node for exactly one period past its
// lead-in.
func ReplayHistory(history []HistoryNode) []HistoryNode {
	last := -1
	for i, n := range history {
		if n.CycleFound {
			last = i
		}
	}
	if last < 0 {
		return history
	}
	return history[:last+1]
}

// TotalExecutions returns the invocation's global event count,
// including the amortised charges of early-detected cycles.
func (d *Detector) TotalExecutions() int { return d.totalExecutions }

// Package scheduler implements the cooperative core of the managed
// strategy: the baton that decides which worker may run, the switch
// points at which the baton may move, and the event interception
// surface invoked by instrumented user code.
//
// Workers run on their own goroutines but advance strictly one at a
// time. The baton is the currentWorker variable: the outgoing worker
// (or the driver, at startup) stores the next worker id with release
// ordering and every other worker busy-waits for its own id with
// acquire loads, yielding to the Go scheduler at a fixed cadence.
// Because only the baton holder mutates scheduler state, the trackers
// carry no locks; the baton is the mutual-exclusion primitive.
package scheduler

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/kolkov/modelcheck/internal/check/callstack"
	"github.com/kolkov/modelcheck/internal/check/codeloc"
	"github.com/kolkov/modelcheck/internal/check/localobj"
	"github.com/kolkov/modelcheck/internal/check/loopdetect"
	"github.com/kolkov/modelcheck/internal/check/monitor"
	"github.com/kolkov/modelcheck/internal/check/trace"
	"github.com/kolkov/modelcheck/internal/logging"
)

// spinBeforeYield is the number of baton spins between OS yields.
const spinBeforeYield = 100_000

// forcibleFinishSignal aborts a worker from any depth. It must
// propagate to the worker's top frame: instrumented code is
// contractually forbidden to recover it.
type forcibleFinishSignal struct{}

func (forcibleFinishSignal) String() string { return "forcible execution finish" }

// IsForcibleFinish reports whether a recovered panic value is the
// scheduler's forcible-finish signal. Worker top frames use it to
// distinguish scheduler-initiated aborts from user exceptions.
func IsForcibleFinish(r any) bool {
	_, ok := r.(forcibleFinishSignal)
	return ok
}

// Strategy is the external search oracle consulted at switch points.
type Strategy interface {
	// ShouldSwitch reports whether the strategy wants a switch at the
	// current switch point of worker w.
	ShouldSwitch(w int) bool

	// ChooseNext picks the next worker among the active candidates.
	// It is never called with an empty candidate set.
	ChooseNext(from int, among []int) int
}

// Runner is the scheduler's view of the component that physically runs
// the workers.
type Runner interface {
	// CanResume reports whether the suspended continuation of worker
	// w's actor can be re-selected.
	CanResume(w, actorID int) bool

	// CaptureStateRepresentation renders the current state of the
	// structure under test, if the scenario provides a view of it.
	CaptureStateRepresentation() (string, bool)
}

// ActorFlags are the blocking annotations of one actor, used to
// suppress false obstruction-freedom reports.
type ActorFlags struct {
	Blocking       bool
	CausesBlocking bool
}

// Config carries the per-invocation scheduler parameters.
type Config struct {
	Workers                    int
	ActorFlags                 [][]ActorFlags
	CheckObstructionFreedom    bool
	CollectStateRepresentation bool
	EliminateLocalObjects      bool
}

// Scheduler owns the baton and every per-invocation tracker.
type Scheduler struct {
	cfg      Config
	strategy Strategy
	runner   Runner
	log      *logging.Logger

	monitors  *monitor.Tracker
	loop      *loopdetect.Detector
	stacks    *callstack.Tracker
	locals    *localobj.Tracker
	collector *trace.Collector
	registry  *codeloc.Registry

	current      atomic.Int32
	finished     []atomic.Bool
	suspended    []atomic.Bool
	currentActor []int
	ignoredDepth []int
	sudden       atomic.Pointer[Outcome]

	// lastPoint[w] is the most recent code-location point of worker w,
	// the attachment target for AfterRead values.
	lastPoint []*trace.Point

	// Spin-run bookkeeping for replay-mode markers.
	spinEntryDepth int
	spinRecursive  bool
}

// New assembles a scheduler over its collaborators. The loop detector,
// collector and registry are shared with the driver across invocations;
// monitors, stacks and local-object state are fresh per scheduler.
func New(cfg Config, strategy Strategy, runner Runner, loop *loopdetect.Detector,
	collector *trace.Collector, registry *codeloc.Registry, log *logging.Logger) *Scheduler {

	s := &Scheduler{
		cfg:            cfg,
		strategy:       strategy,
		runner:         runner,
		log:            log,
		monitors:       monitor.New(cfg.Workers),
		loop:           loop,
		stacks:         callstack.New(cfg.Workers),
		locals:         localobj.New(cfg.EliminateLocalObjects),
		collector:      collector,
		registry:       registry,
		finished:       make([]atomic.Bool, cfg.Workers),
		suspended:      make([]atomic.Bool, cfg.Workers),
		currentActor:   make([]int, cfg.Workers),
		ignoredDepth:   make([]int, cfg.Workers),
		lastPoint:      make([]*trace.Point, cfg.Workers),
		spinEntryDepth: -1,
	}
	s.current.Store(-1)
	return s
}

// Start hands the baton to the first worker. Called by the driver once
// all workers are about to enter AwaitTurn.
func (s *Scheduler) Start(firstWorker int) {
	s.current.Store(int32(firstWorker))
}

// CurrentWorker returns the baton holder.
func (s *Scheduler) CurrentWorker() int { return int(s.current.Load()) }

// SuddenResult returns the abort outcome, nil while the invocation is
// still healthy.
func (s *Scheduler) SuddenResult() *Outcome { return s.sudden.Load() }

// Finished reports whether worker w reached its terminal state.
func (s *Scheduler) Finished(w int) bool { return s.finished[w].Load() }

// IgnoredSectionDepth returns worker w's current nesting depth.
func (s *Scheduler) IgnoredSectionDepth(w int) int { return s.ignoredDepth[w] }

// Monitors exposes the monitor tracker for invariant checks in tests.
func (s *Scheduler) Monitors() *monitor.Tracker { return s.monitors }

func (s *Scheduler) inScenario(w int) bool {
	return w >= 0 && w < s.cfg.Workers
}

// AwaitTurn blocks worker w until it holds the baton. An OS yield is
// issued every spinBeforeYield iterations. A sudden result observed
// while spinning aborts the worker immediately.
func (s *Scheduler) AwaitTurn(w int) {
	spins := 0
	for s.current.Load() != int32(w) {
		if s.sudden.Load() != nil {
			panic(forcibleFinishSignal{})
		}
		spins++
		if spins%spinBeforeYield == 0 {
			runtime.Gosched()
		}
	}
	if s.sudden.Load() != nil {
		panic(forcibleFinishSignal{})
	}
}

// Abort sets the sudden result from outside the baton (the driver's
// wall-clock budget). Workers observe it at their next interception
// point or baton spin.
func (s *Scheduler) Abort(kind OutcomeKind, err error) {
	s.sudden.CompareAndSwap(nil, &Outcome{Kind: kind, Err: err})
}

// abort records the sudden result and forcibly finishes the calling
// worker. The first abort wins; late ones keep the original verdict.
func (s *Scheduler) abort(kind OutcomeKind, err error) {
	s.sudden.CompareAndSwap(nil, &Outcome{Kind: kind, Err: err})
	panic(forcibleFinishSignal{})
}

// OnActorStart begins actor actorID on worker w. The worker's call
// stack must be empty at actor boundaries.
func (s *Scheduler) OnActorStart(w, actorID int) {
	if !s.inScenario(w) {
		return
	}
	s.currentActor[w] = actorID
	if err := s.stacks.OnActorStart(w); err != nil {
		s.abort(OutcomeValidationFailure, err)
	}
}

// OnWorkerStart parks worker w until its first turn.
func (s *Scheduler) OnWorkerStart(w int) {
	if !s.inScenario(w) {
		return
	}
	s.AwaitTurn(w)
}

// OnWorkerFinish marks worker w finished and moves the baton on. If no
// other worker can run and some are unfinished, the invocation is a
// deadlock.
func (s *Scheduler) OnWorkerFinish(w int) {
	if !s.inScenario(w) {
		return
	}
	if d := s.ignoredDepth[w]; d != 0 {
		s.abort(OutcomeValidationFailure,
			fmt.Errorf("scheduler: worker %d finished with ignored-section depth %d", w, d))
	}
	s.finished[w].Store(true)
	s.collector.Finish(w, s.currentActor[w])
	s.doSwitch(w, true, trace.ReasonStrategy)
}

// OnInternalException aborts the invocation with an unexpected
// exception raised by worker w.
func (s *Scheduler) OnInternalException(w int, err error) {
	s.sudden.CompareAndSwap(nil, &Outcome{Kind: OutcomeUnexpectedException, Err: err})
	s.finished[w].Store(true)
}

// isActive reports whether worker i could take the baton.
func (s *Scheduler) isActive(i int) bool {
	if s.finished[i].Load() {
		return false
	}
	if s.monitors.IsWaiting(i) {
		return false
	}
	if s.suspended[i].Load() {
		return s.runner != nil && s.runner.CanResume(i, s.currentActor[i])
	}
	return true
}

// doSwitch hands the baton away from w. With mustSwitch the worker
// cannot continue (it finished, waits on a monitor, or sits in a spin
// cycle): if no candidate exists and unfinished workers remain, the
// invocation deadlocks. Without mustSwitch an empty candidate set just
// hands the baton back to the caller.
//
// doSwitch only transfers the baton; callers that keep running re-enter
// AwaitTurn afterwards.
func (s *Scheduler) doSwitch(w int, mustSwitch bool, reason trace.SwitchReason) {
	var candidates []int
	for i := 0; i < s.cfg.Workers; i++ {
		if i != w && s.isActive(i) {
			candidates = append(candidates, i)
		}
	}

	if len(candidates) == 0 {
		if !mustSwitch {
			return
		}
		unfinished := false
		for i := 0; i < s.cfg.Workers; i++ {
			if !s.finished[i].Load() {
				unfinished = true
				break
			}
		}
		if !unfinished {
			return
		}
		// A suspended unfinished worker gets the baton to run its
		// continuation to completion.
		for i := 0; i < s.cfg.Workers; i++ {
			if i != w && !s.finished[i].Load() && s.suspended[i].Load() {
				s.transferBaton(w, i, reason)
				return
			}
		}
		s.abort(OutcomeDeadlock, nil)
	}

	next := s.strategy.ChooseNext(w, candidates)
	s.transferBaton(w, next, reason)
}

func (s *Scheduler) transferBaton(w, next int, reason trace.SwitchReason) {
	if s.log.DebugEnabled() {
		s.log.Debug("switch", "from", w, "to", next, "reason", reason.String())
	}
	s.collector.Switch(w, s.currentActor[w], reason, s.stacks.Snapshot(w))
	s.loop.OnSwitch(w, next)
	s.spinEntryDepth = -1
	s.spinRecursive = false
	s.current.Store(int32(next))
}

// onEvent is the common path of every intercepted event. It consults
// the detector (and, for switch-point events, the strategy), performs
// the resulting switch, then records the event.
func (s *Scheduler) onEvent(w int, cl codeloc.ID, p *trace.Point, switchCandidate bool) {
	if s.ignoredDepth[w] > 0 {
		return
	}
	if s.sudden.Load() != nil {
		// The invocation is already aborted; unwind instead of letting
		// the worker run uninstrumented.
		panic(forcibleFinishSignal{})
	}
	s.ignoredDepth[w]++
	defer func() { s.ignoredDepth[w]-- }()

	shouldSwitch := false
	if switchCandidate && !s.loop.ReplayActive() {
		shouldSwitch = s.strategy.ShouldSwitch(w)
	}
	visit := s.loop.VisitCodeLocation(w, cl)

	if s.loop.ReplayActive() {
		s.onReplayEvent(w, visit, p)
		return
	}

	if visit.Switch {
		// A spin cycle in a non-blocking actor violates obstruction
		// freedom; that verdict takes precedence over the spin result.
		s.checkObstructionFreedom(w)
	}
	if visit.Sudden != loopdetect.SuddenNone {
		s.abortSudden(visit.Sudden)
	}
	if visit.Switch {
		s.doSwitch(w, true, trace.ReasonActiveLock)
		s.AwaitTurn(w)
	} else if shouldSwitch {
		s.doSwitch(w, false, trace.ReasonStrategy)
		s.AwaitTurn(w)
	}

	s.record(w, p)
}

// onReplayEvent honors the pre-recorded interleaving: spin markers are
// placed where the recorded cycle begins, switches happen where the
// recorded run ends, and a recorded lock failure re-raises Deadlock at
// the history's end.
func (s *Scheduler) onReplayEvent(w int, visit loopdetect.Visit, p *trace.Point) {
	if visit.InSpinCycle {
		depth := s.stacks.Depth(w)
		if s.spinEntryDepth < 0 {
			s.spinEntryDepth = depth
		}
		if depth > s.spinEntryDepth {
			s.spinRecursive = true
		}
		firstIsCall := p != nil && p.Event == codeloc.KindMethodCall
		s.collector.SpinCycleStart(w, s.currentActor[w], s.stacks.Snapshot(w), firstIsCall, s.spinRecursive)
	}

	s.record(w, p)

	if visit.Sudden == loopdetect.SuddenDeadlock {
		s.collector.Switch(w, s.currentActor[w], s.switchReason(), s.stacks.Snapshot(w))
		s.abort(OutcomeDeadlock, nil)
	}
	if visit.Switch {
		s.doSwitch(w, true, s.switchReason())
		s.AwaitTurn(w)
	}
}

// switchReason picks the replay switch reason: cycle nodes switch as
// active locks (recursive when the cycle dips below its entry depth),
// plain nodes as strategy switches.
func (s *Scheduler) switchReason() trace.SwitchReason {
	r := s.loop.Replayer()
	if r != nil && r.IsActiveLockNode() {
		if s.spinRecursive {
			return trace.ReasonActiveLockRecursive
		}
		return trace.ReasonActiveLock
	}
	return trace.ReasonStrategy
}

func (s *Scheduler) abortSudden(sudden loopdetect.Sudden) {
	switch sudden {
	case loopdetect.SuddenSpinCycleFirstTime:
		s.abort(OutcomeSpinCycleFirstTime, nil)
	case loopdetect.SuddenSpinCycleMeasured:
		s.abort(OutcomeSpinCycleMeasured, nil)
	case loopdetect.SuddenLivelock:
		s.abort(OutcomeLivelock, nil)
	case loopdetect.SuddenDeadlock:
		s.abort(OutcomeDeadlock, nil)
	}
}

// checkObstructionFreedom aborts when a non-blocking actor blocks or
// spins. The check is suppressed while the current actor is marked
// blocking, or while any worker's current actor may cause blocking.
func (s *Scheduler) checkObstructionFreedom(w int) {
	if !s.cfg.CheckObstructionFreedom {
		return
	}
	if s.actorMayBlock(w) {
		return
	}
	s.collector.ObstructionFreedomAbort(w, s.currentActor[w], s.stacks.Snapshot(w))
	s.abort(OutcomeObstructionFreedomViolation, nil)
}

func (s *Scheduler) actorMayBlock(w int) bool {
	if s.flagsOf(w).Blocking {
		return true
	}
	for i := 0; i < s.cfg.Workers; i++ {
		if s.flagsOf(i).CausesBlocking {
			return true
		}
	}
	return false
}

func (s *Scheduler) flagsOf(w int) ActorFlags {
	if w >= len(s.cfg.ActorFlags) {
		return ActorFlags{}
	}
	col := s.cfg.ActorFlags[w]
	a := s.currentActor[w]
	if a < 0 || a >= len(col) {
		return ActorFlags{}
	}
	return col[a]
}

// record appends a code-location point and, when configured, a state
// snapshot right after it.
func (s *Scheduler) record(w int, p *trace.Point) {
	if p == nil || !s.collector.Enabled() {
		return
	}
	s.collector.CodeLocation(p)
	if s.cfg.CollectStateRepresentation && s.runner != nil {
		if snap, ok := s.runner.CaptureStateRepresentation(); ok {
			s.collector.StateRepresentation(w, s.currentActor[w], snap)
		}
	}
}

// newPoint builds a code-location trace point with the worker's current
// context attached.
func (s *Scheduler) newPoint(w int, cl codeloc.ID, event codeloc.Kind, label string) *trace.Point {
	if label == "" && s.registry != nil {
		label = s.registry.Label(cl)
	}
	p := &trace.Point{
		Kind:     trace.KindCodeLocation,
		Worker:   w,
		ActorID:  s.currentActor[w],
		Stack:    s.stacks.Snapshot(w),
		Location: cl,
		Event:    event,
		Label:    label,
	}
	s.lastPoint[w] = p
	return p
}

package scheduler

import (
	"fmt"
	"hash/fnv"

	"github.com/kolkov/modelcheck/internal/check/codeloc"
	"github.com/kolkov/modelcheck/internal/check/trace"
)

// This file is the event interception surface: the fixed API invoked by
// instrumented user code. Every method is a no-op when the calling
// worker is not a scenario worker, and none may re-enter the
// instrumentation: the common onEvent path runs inside an ignored
// section.
//
// The forcible-finish signal may propagate out of any of these calls;
// instrumentation must let it pass to the worker's top frame.

// BeforeRead intercepts a shared read. Reads of objects still local to
// the worker are not switch points.
func (s *Scheduler) BeforeRead(w int, cl codeloc.ID, label string, obj uintptr) {
	if !s.inScenario(w) {
		return
	}
	if s.locals.IsLocal(obj) {
		return
	}
	s.onEvent(w, cl, s.newPoint(w, cl, codeloc.KindRead, label), true)
}

// AfterRead attaches the value produced by the preceding read to its
// trace point.
func (s *Scheduler) AfterRead(w int, value any) {
	if !s.inScenario(w) || !s.collector.Enabled() {
		return
	}
	if p := s.lastPoint[w]; p != nil && p.Event == codeloc.KindRead {
		p.Value = fmt.Sprintf("%v", value)
	}
}

// BeforeWrite intercepts a shared write. A write into a local object is
// not a switch point, but the stored value inherits the target's
// locality either way.
func (s *Scheduler) BeforeWrite(w int, cl codeloc.ID, label string, obj, value uintptr) {
	if !s.inScenario(w) {
		return
	}
	local := s.locals.IsLocal(obj)
	s.locals.WriteField(obj, value)
	if local {
		return
	}
	s.onEvent(w, cl, s.newPoint(w, cl, codeloc.KindWrite, label), true)
}

// BeforeAtomicCall intercepts an atomic method call. The trace point
// reuses the label of the innermost tracked method.
func (s *Scheduler) BeforeAtomicCall(w int, cl codeloc.ID) {
	if !s.inScenario(w) {
		return
	}
	s.onEvent(w, cl, s.newPoint(w, cl, codeloc.KindAtomicCall, s.stacks.Top(w)), true)
}

// BeforeLockAcquire intercepts a monitor acquisition: first a switch
// point, then a deterministic acquire loop. Every failed attempt hands
// the baton away with reason LockWait until the owner releases.
func (s *Scheduler) BeforeLockAcquire(w int, cl codeloc.ID, label string, mon uintptr) {
	if !s.inScenario(w) {
		return
	}
	s.onEvent(w, cl, s.newPoint(w, cl, codeloc.KindMonitorEnter, label), true)
	if s.sudden.Load() != nil {
		panic(forcibleFinishSignal{})
	}
	s.checkObstructionFreedom(w)
	for !s.monitors.Acquire(w, mon) {
		s.doSwitch(w, true, trace.ReasonLockWait)
		s.AwaitTurn(w)
	}
}

// BeforeLockRelease intercepts a monitor release. An unbalanced release
// is fatal: it indicates an instrumentation bug.
func (s *Scheduler) BeforeLockRelease(w int, cl codeloc.ID, label string, mon uintptr) {
	if !s.inScenario(w) {
		return
	}
	if err := s.monitors.Release(mon); err != nil {
		s.abort(OutcomeMonitorInvariantViolation, err)
	}
	s.record(w, s.newPoint(w, cl, codeloc.KindMonitorExit, label))
}

// BeforePark intercepts a park. Timed and untimed parks alike return
// right after their switch point; the worker is never blocked here.
func (s *Scheduler) BeforePark(w int, cl codeloc.ID, timed bool) {
	if !s.inScenario(w) {
		return
	}
	s.onEvent(w, cl, s.newPoint(w, cl, codeloc.KindPark, ""), true)
	_ = timed
}

// AfterUnpark records an unpark. Parks never block a worker, so there
// is no parked state to clear for the target.
func (s *Scheduler) AfterUnpark(w int, cl codeloc.ID, target int) {
	if !s.inScenario(w) {
		return
	}
	s.record(w, s.newPoint(w, cl, codeloc.KindUnpark, fmt.Sprintf("unpark(worker %d)", target)))
}

// BeforeWait intercepts a monitor wait: a switch point, the
// obstruction-freedom check, then the deterministic wait loop. A timed
// wait returns immediately (a permitted wakeup). The worker reacquires
// the monitor at its original reentrancy before returning.
func (s *Scheduler) BeforeWait(w int, cl codeloc.ID, label string, mon uintptr, timed bool) {
	if !s.inScenario(w) {
		return
	}
	s.onEvent(w, cl, s.newPoint(w, cl, codeloc.KindWait, label), true)
	if s.sudden.Load() != nil {
		panic(forcibleFinishSignal{})
	}
	s.checkObstructionFreedom(w)
	if timed {
		return
	}
	for {
		blocked, err := s.monitors.WaitOn(w, mon)
		if err != nil {
			s.abort(OutcomeMonitorInvariantViolation, err)
		}
		if !blocked {
			return
		}
		s.doSwitch(w, true, trace.ReasonMonitorWait)
		s.AwaitTurn(w)
	}
}

// BeforeNotify intercepts notify/notifyAll. Both wake every waiter:
// wake-one semantics cannot be reproduced deterministically, so the
// strategy over-approximates and may introduce spurious wakeups.
func (s *Scheduler) BeforeNotify(w int, cl codeloc.ID, label string, mon uintptr, notifyAll bool) {
	if !s.inScenario(w) {
		return
	}
	s.monitors.NotifyAll(mon)
	if !notifyAll {
		label += " (modelled as notifyAll)"
	}
	s.record(w, s.newPoint(w, cl, codeloc.KindNotify, label))
}

// BeforeMethodCall intercepts entry into a tracked method. The receiver
// and parameters are folded into value-view pseudo-events when
// extra-event tracking is on, feeding loop equivalence.
func (s *Scheduler) BeforeMethodCall(w int, cl codeloc.ID, label string, params ...any) {
	if !s.inScenario(w) {
		return
	}
	s.stacks.BeforeMethodCall(w, label)
	s.onEvent(w, cl, s.newPoint(w, cl, codeloc.KindMethodCall, label), false)
	if s.loop.TrackingExtraEvents() {
		for _, v := range params {
			s.onEvent(w, codeloc.ValueView(valueHash(v)), nil, false)
		}
	}
}

// AfterMethodCall intercepts method exit. A call that suspended keeps
// its method identity parked for the resumed continuation.
func (s *Scheduler) AfterMethodCall(w int, cl codeloc.ID, suspendedCall bool) {
	if !s.inScenario(w) {
		return
	}
	s.onEvent(w, cl, s.newPoint(w, cl, codeloc.KindMethodReturn, s.stacks.Top(w)), false)
	s.stacks.AfterMethodCall(w, suspendedCall)
}

// EnterIgnoredSection suspends interception for worker w until the
// matching LeaveIgnoredSection. Sections nest.
func (s *Scheduler) EnterIgnoredSection(w int) {
	if !s.inScenario(w) {
		return
	}
	s.ignoredDepth[w]++
}

// LeaveIgnoredSection closes the innermost ignored section.
func (s *Scheduler) LeaveIgnoredSection(w int) {
	if !s.inScenario(w) {
		return
	}
	if s.ignoredDepth[w] == 0 {
		s.log.Warn("unbalanced LeaveIgnoredSection", "worker", w)
		return
	}
	s.ignoredDepth[w]--
}

// AfterNewObject registers a freshly created object with the
// local-object tracker.
func (s *Scheduler) AfterNewObject(w int, obj uintptr) {
	if !s.inScenario(w) {
		return
	}
	s.locals.NewObject(obj)
}

// AfterCoroutineSuspended marks worker w suspended. If the runner
// reports the continuation resumable, a synthetic switch point with the
// reserved sentinel CLID is recorded; otherwise the baton is forced
// away with reason Suspended.
func (s *Scheduler) AfterCoroutineSuspended(w int) {
	if !s.inScenario(w) {
		return
	}
	s.suspended[w].Store(true)
	if s.runner != nil && s.runner.CanResume(w, s.currentActor[w]) {
		s.onEvent(w, codeloc.SuspensionSentinel, nil, true)
		return
	}
	s.doSwitch(w, true, trace.ReasonSuspended)
	s.AwaitTurn(w)
}

// AfterCoroutineResumed clears worker w's suspension.
func (s *Scheduler) AfterCoroutineResumed(w int) {
	if !s.inScenario(w) {
		return
	}
	s.suspended[w].Store(false)
}

// valueHash folds a receiver or parameter into the 32-bit space of
// value views. The rendering is deterministic for the value types
// scenarios use; identity is not required, only stability.
func valueHash(v any) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%T:%v", v, v)
	return h.Sum32()
}

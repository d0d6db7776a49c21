package driver

import (
	"github.com/kolkov/modelcheck/internal/check/codeloc"
	"github.com/kolkov/modelcheck/internal/check/scheduler"
)

// Actor describes one operation of the scenario. Blocking marks an
// actor that legitimately blocks; CausesBlocking one that may cause
// other workers to block. Both suppress false obstruction-freedom
// reports.
type Actor struct {
	Name           string
	Blocking       bool
	CausesBlocking bool

	// Op runs the operation against the structure under test, calling
	// back into the interception surface through env. Its return value
	// is the actor's result.
	Op func(env *Env) any
}

// Scenario is the fixed set of actor sequences, one column per worker,
// plus the lifecycle hooks of the structure under test.
type Scenario struct {
	// Workers holds the actor columns. Worker w executes Workers[w]
	// sequentially.
	Workers [][]Actor

	// Init creates a fresh instance of the structure for each
	// invocation.
	Init func() any

	// StateRepresentation renders the structure for trace snapshots.
	// When nil, a generic deep dump is used.
	StateRepresentation func(state any) string

	// Validate checks post-run invariants of the structure. A non-nil
	// error is a ValidationFailure.
	Validate func(state any) error

	// Verify accepts or rejects the per-actor results of a completed
	// invocation. A rejection is an IncorrectResults failure.
	Verify func(results [][]any) bool
}

// ActorNames returns the scenario's labels, one column per worker, for
// report rendering.
func (sc *Scenario) ActorNames() [][]string {
	out := make([][]string, len(sc.Workers))
	for w, col := range sc.Workers {
		names := make([]string, len(col))
		for i, a := range col {
			names[i] = a.Name
		}
		out[w] = names
	}
	return out
}

func (sc *Scenario) actorFlags() [][]scheduler.ActorFlags {
	out := make([][]scheduler.ActorFlags, len(sc.Workers))
	for w, col := range sc.Workers {
		flags := make([]scheduler.ActorFlags, len(col))
		for i, a := range col {
			flags[i] = scheduler.ActorFlags{Blocking: a.Blocking, CausesBlocking: a.CausesBlocking}
		}
		out[w] = flags
	}
	return out
}

// Env is the per-worker handle through which instrumented operations
// reach the interception surface. One Env exists per worker per
// invocation; the scheduler behind it changes every invocation.
type Env struct {
	worker int
	sched  *scheduler.Scheduler
	state  any
	runner *runner
}

// State returns the invocation's instance of the structure under test.
func (e *Env) State() any { return e.state }

// Worker returns the worker id this Env is bound to.
func (e *Env) Worker() int { return e.worker }

// BeforeRead intercepts a shared read at cl of the object identified
// by obj.
func (e *Env) BeforeRead(cl codeloc.ID, obj uintptr) {
	e.sched.BeforeRead(e.worker, cl, "", obj)
}

// AfterRead attaches the read value to the trace.
func (e *Env) AfterRead(value any) {
	e.sched.AfterRead(e.worker, value)
}

// BeforeWrite intercepts a shared write of value into obj at cl.
func (e *Env) BeforeWrite(cl codeloc.ID, obj, value uintptr) {
	e.sched.BeforeWrite(e.worker, cl, "", obj, value)
}

// BeforeAtomic intercepts an atomic call at cl.
func (e *Env) BeforeAtomic(cl codeloc.ID) {
	e.sched.BeforeAtomicCall(e.worker, cl)
}

// Lock acquires monitor mon at cl, blocking deterministically.
func (e *Env) Lock(cl codeloc.ID, mon uintptr) {
	e.sched.BeforeLockAcquire(e.worker, cl, "", mon)
}

// Unlock releases monitor mon at cl.
func (e *Env) Unlock(cl codeloc.ID, mon uintptr) {
	e.sched.BeforeLockRelease(e.worker, cl, "", mon)
}

// Wait waits on monitor mon at cl. Timed waits return immediately.
func (e *Env) Wait(cl codeloc.ID, mon uintptr, timed bool) {
	e.sched.BeforeWait(e.worker, cl, "", mon, timed)
}

// Notify notifies waiters of mon at cl.
func (e *Env) Notify(cl codeloc.ID, mon uintptr, all bool) {
	e.sched.BeforeNotify(e.worker, cl, "", mon, all)
}

// Park parks the worker at cl. Timed and untimed parks both return
// right after the switch point.
func (e *Env) Park(cl codeloc.ID, timed bool) {
	e.sched.BeforePark(e.worker, cl, timed)
}

// Unpark records an unpark of the target worker at cl.
func (e *Env) Unpark(cl codeloc.ID, target int) {
	e.sched.AfterUnpark(e.worker, cl, target)
}

// MethodCall intercepts entry into a tracked method; params feed value
// views for loop equivalence.
func (e *Env) MethodCall(cl codeloc.ID, label string, params ...any) {
	e.sched.BeforeMethodCall(e.worker, cl, label, params...)
}

// MethodReturn intercepts method exit. suspended marks a call that
// suspended rather than returned.
func (e *Env) MethodReturn(cl codeloc.ID, suspended bool) {
	e.sched.AfterMethodCall(e.worker, cl, suspended)
}

// Suspend marks the worker's coroutine suspended.
func (e *Env) Suspend() {
	e.sched.AfterCoroutineSuspended(e.worker)
}

// Resume clears the worker's suspension.
func (e *Env) Resume() {
	e.sched.AfterCoroutineResumed(e.worker)
}

// MarkResumable flags another worker's suspended continuation as ready
// to resume, making that worker selectable again.
func (e *Env) MarkResumable(target int) {
	e.runner.MarkResumable(target)
}

// NewObject registers a freshly created object with the local-object
// tracker.
func (e *Env) NewObject(obj uintptr) {
	e.sched.AfterNewObject(e.worker, obj)
}

// EnterIgnoredSection suspends interception until the matching leave.
func (e *Env) EnterIgnoredSection() {
	e.sched.EnterIgnoredSection(e.worker)
}

// LeaveIgnoredSection closes the innermost ignored section.
func (e *Env) LeaveIgnoredSection() {
	e.sched.LeaveIgnoredSection(e.worker)
}

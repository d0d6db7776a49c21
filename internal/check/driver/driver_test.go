package driver

import (
	"strings"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/kolkov/modelcheck/internal/check/codeloc"
	"github.com/kolkov/modelcheck/internal/check/scheduler"
	"github.com/kolkov/modelcheck/internal/check/trace"
)

// scriptedStrategy answers ShouldSwitch from a fixed script (false once
// exhausted) and always picks the lowest candidate. Replayed
// invocations restart the script, so re-runs are exact.
type scriptedStrategy struct {
	script      []bool
	pos         int
	invocations int
	max         int
}

func newScripted(max int, script ...bool) *scriptedStrategy {
	return &scriptedStrategy{script: script, max: max}
}

func (s *scriptedStrategy) NextInvocation() bool { return s.invocations < s.max }

func (s *scriptedStrategy) BeginInvocation(replay bool) {
	if !replay {
		s.invocations++
	}
	s.pos = 0
}

func (s *scriptedStrategy) ShouldSwitch(w int) bool {
	if s.pos < len(s.script) {
		v := s.script[s.pos]
		s.pos++
		return v
	}
	return false
}

func (s *scriptedStrategy) ChooseNext(from int, among []int) int {
	if len(among) == 0 {
		panic("ChooseNext called with an empty candidate set")
	}
	return among[0]
}

// counter is a deliberately unsynchronised shared integer.
type counter struct{ v int }

func (c *counter) id() uintptr { return uintptr(unsafe.Pointer(c)) }

// twoFlags is the symmetric CAS live-lock structure.
type twoFlags struct{ a, b atomic.Bool }

func testOptions(reg *codeloc.Registry) Options {
	return Options{
		HangingDetectionThreshold: 3,
		LivelockEventsThreshold:   40,
		Registry:                  reg,
	}
}

// TestTrivialSequential runs one worker, three actors, never switching.
// The outcome is Completed and the results follow program order.
func TestTrivialSequential(t *testing.T) {
	reg := codeloc.NewRegistry()
	clR := reg.Register(codeloc.KindRead, "counter.get", "counter.go", 1)
	clW := reg.Register(codeloc.KindWrite, "counter.set", "counter.go", 2)

	inc := func(e *Env) any {
		c := e.State().(*counter)
		e.BeforeRead(clR, c.id())
		v := c.v
		e.AfterRead(v)
		e.BeforeWrite(clW, c.id(), 0)
		c.v = v + 1
		return c.v
	}
	get := func(e *Env) any {
		c := e.State().(*counter)
		e.BeforeRead(clR, c.id())
		v := c.v
		e.AfterRead(v)
		return v
	}

	sc := &Scenario{
		Workers: [][]Actor{{
			{Name: "inc()", Op: inc},
			{Name: "inc()", Op: inc},
			{Name: "get()", Op: get},
		}},
		Init: func() any { return &counter{} },
	}

	res, err := runTestScenario(t, sc, testOptions(reg), newScripted(1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != scheduler.OutcomeCompleted {
		t.Fatalf("outcome = %v, want Completed", res.Outcome)
	}
	want := []any{1, 2, 2}
	for i, w := range want {
		if res.Results[0][i] != w {
			t.Errorf("actor %d result = %v, want %v", i, res.Results[0][i], w)
		}
	}
	if res.Invocations != 1 {
		t.Errorf("invocations = %d, want 1", res.Invocations)
	}
}

// rmwScenario is two workers doing an unsynchronised read-modify-write
// on the same counter.
func rmwScenario(reg *codeloc.Registry) *Scenario {
	clR := reg.Register(codeloc.KindRead, "counter.get", "counter.go", 1)
	clW := reg.Register(codeloc.KindWrite, "counter.set", "counter.go", 2)

	inc := func(e *Env) any {
		c := e.State().(*counter)
		e.BeforeRead(clR, c.id())
		v := c.v
		e.AfterRead(v)
		e.BeforeWrite(clW, c.id(), 0)
		c.v = v + 1
		return c.v
	}
	return &Scenario{
		Workers: [][]Actor{
			{{Name: "inc()", Op: inc}},
			{{Name: "inc()", Op: inc}},
		},
		Init: func() any { return &counter{} },
	}
}

// TestSimpleSwitchLostUpdate forces a switch between worker 0's read
// and write. Both increments observe 0 and the update is lost.
func TestSimpleSwitchLostUpdate(t *testing.T) {
	reg := codeloc.NewRegistry()
	sc := rmwScenario(reg)

	res, err := runTestScenario(t, sc, testOptions(reg), newScripted(1, false, true))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != scheduler.OutcomeCompleted {
		t.Fatalf("outcome = %v, want Completed", res.Outcome)
	}
	if got0, got1 := res.Results[0][0], res.Results[1][0]; got0 != 1 || got1 != 1 {
		t.Errorf("results = (%v, %v), want the lost update (1, 1)", got0, got1)
	}
}

// TestIncorrectResultsWithTrace rejects the lost update through the
// verifier and checks the trace pass reproduces it deterministically.
func TestIncorrectResultsWithTrace(t *testing.T) {
	reg := codeloc.NewRegistry()
	sc := rmwScenario(reg)
	sc.Verify = func(results [][]any) bool {
		// Sequentially, one increment returns 1 and the other 2.
		a, b := results[0][0], results[1][0]
		return (a == 1 && b == 2) || (a == 2 && b == 1)
	}

	res, err := runTestScenario(t, sc, testOptions(reg), newScripted(5, false, true))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != scheduler.OutcomeIncorrectResults {
		t.Fatalf("outcome = %v, want IncorrectResults", res.Outcome)
	}
	if res.NonDeterministic {
		t.Fatal("deterministic re-run flagged as non-deterministic")
	}
	for _, want := range []string{"= IncorrectResults =", "READ counter.get", "WRITE counter.set", "switch"} {
		if !strings.Contains(res.Report, want) {
			t.Errorf("report missing %q\n%s", want, res.Report)
		}
	}
	// One strategy switch between worker 0's read and write.
	switches := 0
	for _, p := range res.TracePoints {
		if p.Kind == trace.KindSwitch && p.Reason == trace.ReasonStrategy && p.Worker == 0 {
			switches++
		}
	}
	if switches != 1 {
		t.Errorf("worker 0 strategy switches = %d, want 1", switches)
	}
}

// casSpinScenario is the symmetric active lock: each worker publishes
// its own flag and then spins CASing the other worker's flag, which
// the interleaving under test leaves permanently taken.
func casSpinScenario(reg *codeloc.Registry, blocking bool) *Scenario {
	clWA := reg.Register(codeloc.KindWrite, "flags.a.set", "flags.go", 1)
	clWB := reg.Register(codeloc.KindWrite, "flags.b.set", "flags.go", 2)
	clCasA := reg.Register(codeloc.KindAtomicCall, "flags.a.cas", "flags.go", 3)
	clCasB := reg.Register(codeloc.KindAtomicCall, "flags.b.cas", "flags.go", 4)
	clM := reg.Register(codeloc.KindMethodCall, "casLoop", "flags.go", 5)
	clRet := reg.Register(codeloc.KindMethodReturn, "casLoop", "flags.go", 6)

	w0 := func(e *Env) any {
		f := e.State().(*twoFlags)
		e.BeforeWrite(clWA, uintptr(unsafe.Pointer(&f.a)), 0)
		f.a.Store(true)
		for {
			e.BeforeAtomic(clCasB)
			if f.b.CompareAndSwap(false, true) {
				return "w0"
			}
		}
	}
	w1 := func(e *Env) any {
		f := e.State().(*twoFlags)
		e.BeforeWrite(clWB, uintptr(unsafe.Pointer(&f.b)), 0)
		f.b.Store(true)
		attempt := 0
		for {
			attempt++
			e.MethodCall(clM, "casLoop", attempt)
			e.BeforeAtomic(clCasA)
			ok := f.a.CompareAndSwap(false, true)
			e.MethodReturn(clRet, false)
			if ok {
				return "w1"
			}
		}
	}
	return &Scenario{
		Workers: [][]Actor{
			{{Name: "takeBoth(a,b)", Blocking: blocking, Op: w0}},
			{{Name: "takeBoth(b,a)", Blocking: blocking, Op: w1}},
		},
		Init: func() any { return &twoFlags{} },
	}
}

// TestActiveLockBecomesDeadlock drives the symmetric CAS spin: the
// first pass finds the spin, the measured re-run records its period,
// and the eventual live-lock replays into a Deadlock with spin-cycle
// markers in the trace.
func TestActiveLockBecomesDeadlock(t *testing.T) {
	reg := codeloc.NewRegistry()
	sc := casSpinScenario(reg, true)

	res, err := runTestScenario(t, sc, testOptions(reg), newScripted(50, false, true))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != scheduler.OutcomeDeadlock {
		t.Fatalf("outcome = %v, want Deadlock", res.Outcome)
	}
	if res.NonDeterministic {
		t.Fatal("lock-based replay flagged as non-deterministic")
	}
	for _, want := range []string{trace.RepeatHeader, "active lock detected", "spin cycle start"} {
		if !strings.Contains(res.Report, want) {
			t.Errorf("report missing %q\n%s", want, res.Report)
		}
	}

	markers := 0
	for _, p := range res.TracePoints {
		if p.Kind == trace.KindSpinCycleStart {
			markers++
		}
	}
	if markers == 0 {
		t.Error("no spin-cycle markers in the trace")
	}
}

// TestObstructionFreedomViolation reruns the CAS spin with
// checkObstructionFreedom on and non-blocking actors: the spin is a
// violation, not a deadlock.
func TestObstructionFreedomViolation(t *testing.T) {
	reg := codeloc.NewRegistry()
	sc := casSpinScenario(reg, false)

	opts := testOptions(reg)
	opts.CheckObstructionFreedom = true

	res, err := runTestScenario(t, sc, opts, newScripted(50, false, true))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != scheduler.OutcomeObstructionFreedomViolation {
		t.Fatalf("outcome = %v, want ObstructionFreedomViolation", res.Outcome)
	}
	if !strings.Contains(res.Report, "obstruction-freedom") {
		t.Errorf("report missing the obstruction-freedom abort\n%s", res.Report)
	}
}

// monitorState carries a monitor identity and an observation log.
type monitorState struct {
	mon    int
	events []string
}

func (m *monitorState) monID() uintptr { return uintptr(unsafe.Pointer(&m.mon)) }

// TestMonitorWaitNotify checks the wait/notify round trip across
// workers: the waiter parks at its original reentrancy, the notifier
// runs to completion, and the waiter reacquires and finishes.
func TestMonitorWaitNotify(t *testing.T) {
	reg := codeloc.NewRegistry()
	clLock := reg.Register(codeloc.KindMonitorEnter, "mu.lock", "mon.go", 1)
	clUnlock := reg.Register(codeloc.KindMonitorExit, "mu.unlock", "mon.go", 2)
	clWait := reg.Register(codeloc.KindWait, "mu.wait", "mon.go", 3)
	clNotify := reg.Register(codeloc.KindNotify, "mu.notify", "mon.go", 4)

	waiter := func(e *Env) any {
		s := e.State().(*monitorState)
		e.Lock(clLock, s.monID())
		e.Lock(clLock, s.monID()) // reentrant
		s.events = append(s.events, "w0:waiting")
		e.Wait(clWait, s.monID(), false)
		s.events = append(s.events, "w0:woken")
		e.Unlock(clUnlock, s.monID())
		e.Unlock(clUnlock, s.monID())
		return "waited"
	}
	notifier := func(e *Env) any {
		s := e.State().(*monitorState)
		e.Lock(clLock, s.monID())
		s.events = append(s.events, "w1:notify")
		e.Notify(clNotify, s.monID(), false)
		e.Unlock(clUnlock, s.monID())
		return "notified"
	}

	var observed *monitorState
	sc := &Scenario{
		Workers: [][]Actor{
			{{Name: "wait()", Blocking: true, Op: waiter}},
			{{Name: "notify()", CausesBlocking: true, Op: notifier}},
		},
		Init: func() any {
			observed = &monitorState{}
			return observed
		},
	}

	res, err := runTestScenario(t, sc, testOptions(reg), newScripted(1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != scheduler.OutcomeCompleted {
		t.Fatalf("outcome = %v, want Completed", res.Outcome)
	}
	if res.Results[0][0] != "waited" || res.Results[1][0] != "notified" {
		t.Fatalf("results = %v", res.Results)
	}
	want := []string{"w0:waiting", "w1:notify", "w0:woken"}
	if len(observed.events) != len(want) {
		t.Fatalf("events = %v, want %v", observed.events, want)
	}
	for i := range want {
		if observed.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", observed.events, want)
		}
	}
}

// TestTwoLockDeadlock builds the classic lock-order inversion and
// expects a Deadlock with LockWait switches in the trace.
func TestTwoLockDeadlock(t *testing.T) {
	reg := codeloc.NewRegistry()
	clLA := reg.Register(codeloc.KindMonitorEnter, "a.lock", "locks.go", 1)
	clLB := reg.Register(codeloc.KindMonitorEnter, "b.lock", "locks.go", 2)
	clUA := reg.Register(codeloc.KindMonitorExit, "a.unlock", "locks.go", 3)
	clUB := reg.Register(codeloc.KindMonitorExit, "b.unlock", "locks.go", 4)

	type pair struct{ a, b int }
	lockBoth := func(first, second codeloc.ID, uFirst, uSecond codeloc.ID, monA, monB func(*pair) uintptr) func(*Env) any {
		return func(e *Env) any {
			p := e.State().(*pair)
			e.Lock(first, monA(p))
			e.Lock(second, monB(p))
			e.Unlock(uSecond, monB(p))
			e.Unlock(uFirst, monA(p))
			return "done"
		}
	}
	monA := func(p *pair) uintptr { return uintptr(unsafe.Pointer(&p.a)) }
	monB := func(p *pair) uintptr { return uintptr(unsafe.Pointer(&p.b)) }

	sc := &Scenario{
		Workers: [][]Actor{
			{{Name: "lock(a,b)", Blocking: true, Op: lockBoth(clLA, clLB, clUA, clUB, monA, monB)}},
			{{Name: "lock(b,a)", Blocking: true, Op: lockBoth(clLB, clLA, clUB, clUA, monB, monA)}},
		},
		Init: func() any { return &pair{} },
	}

	res, err := runTestScenario(t, sc, testOptions(reg), newScripted(1, false, true))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != scheduler.OutcomeDeadlock {
		t.Fatalf("outcome = %v, want Deadlock", res.Outcome)
	}
	if !strings.Contains(res.Report, "lock wait") {
		t.Errorf("report missing lock-wait switches\n%s", res.Report)
	}
}

// TestSuspensionResumption suspends worker 0 until worker 1 marks its
// continuation resumable; worker 0 never runs in between.
func TestSuspensionResumption(t *testing.T) {
	reg := codeloc.NewRegistry()
	clCall := reg.Register(codeloc.KindMethodCall, "poll", "queue.go", 1)
	clRet := reg.Register(codeloc.KindMethodReturn, "poll", "queue.go", 2)

	type log struct{ events []string }

	suspending := func(e *Env) any {
		l := e.State().(*log)
		e.MethodCall(clCall, "poll")
		l.events = append(l.events, "w0:suspending")
		e.Suspend()
		e.Resume()
		l.events = append(l.events, "w0:resumed")
		e.MethodReturn(clRet, false)
		return "polled"
	}
	resuming := func(e *Env) any {
		l := e.State().(*log)
		l.events = append(l.events, "w1:offer")
		e.MarkResumable(0)
		return "offered"
	}

	var observed *log
	sc := &Scenario{
		Workers: [][]Actor{
			{{Name: "poll()", Blocking: true, Op: suspending}},
			{{Name: "offer()", CausesBlocking: true, Op: resuming}},
		},
		Init: func() any {
			observed = &log{}
			return observed
		},
	}

	res, err := runTestScenario(t, sc, testOptions(reg), newScripted(1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != scheduler.OutcomeCompleted {
		t.Fatalf("outcome = %v, want Completed", res.Outcome)
	}
	want := []string{"w0:suspending", "w1:offer", "w0:resumed"}
	for i := range want {
		if i >= len(observed.events) || observed.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", observed.events, want)
		}
	}
}

// TestUnexpectedException turns a worker panic into the corresponding
// failure outcome.
func TestUnexpectedException(t *testing.T) {
	reg := codeloc.NewRegistry()
	sc := &Scenario{
		Workers: [][]Actor{{{Name: "boom()", Op: func(e *Env) any { panic("boom") }}}},
		Init:    func() any { return &counter{} },
	}

	res, err := runTestScenario(t, sc, testOptions(reg), newScripted(1))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != scheduler.OutcomeUnexpectedException {
		t.Fatalf("outcome = %v, want UnexpectedException", res.Outcome)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "boom") {
		t.Errorf("error = %v, want the panic payload", res.Err)
	}
}

// TestNonDeterminismDetected makes the re-run observe different user
// state; the first failure is reported without a trace.
func TestNonDeterminismDetected(t *testing.T) {
	reg := codeloc.NewRegistry()
	calls := 0
	sc := &Scenario{
		Workers: [][]Actor{{{Name: "impure()", Op: func(e *Env) any {
			calls++
			return calls
		}}}},
		Init:   func() any { return &counter{} },
		Verify: func(results [][]any) bool { return false },
	}

	res, err := runTestScenario(t, sc, testOptions(reg), newScripted(1))
	if err != nil {
		t.Fatal(err)
	}
	if !res.NonDeterministic {
		t.Fatal("divergent re-run not flagged")
	}
	if res.Outcome != scheduler.OutcomeIncorrectResults {
		t.Fatalf("outcome = %v, want the first failure kind", res.Outcome)
	}
	if res.Report != "" {
		t.Error("non-deterministic failure carries a trace report")
	}
}

// TestConfigValidation covers the refused configurations.
func TestConfigValidation(t *testing.T) {
	reg := codeloc.NewRegistry()
	sc := rmwScenario(reg)

	opts := testOptions(reg)
	opts.LivelockEventsThreshold = opts.HangingDetectionThreshold
	if _, err := New(sc, opts, newScripted(1)); err == nil {
		t.Error("livelock threshold == hanging threshold accepted")
	}

	if _, err := New(&Scenario{}, testOptions(reg), newScripted(1)); err == nil {
		t.Error("empty scenario accepted")
	}
	if _, err := New(&Scenario{Workers: [][]Actor{{}}}, testOptions(reg), newScripted(1)); err == nil {
		t.Error("worker with no actors accepted")
	}
}

// runTestScenario builds a driver and runs it, failing the test on
// construction errors.
func runTestScenario(t *testing.T, sc *Scenario, opts Options, strategy Strategy) (*Result, error) {
	t.Helper()
	d, err := New(sc, opts, strategy)
	if err != nil {
		return nil, err
	}
	return d.Run()
}

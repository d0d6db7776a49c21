package scheduler

import (
	"testing"

	"github.com/kolkov/modelcheck/internal/check/codeloc"
	"github.com/kolkov/modelcheck/internal/check/loopdetect"
	"github.com/kolkov/modelcheck/internal/check/trace"
	"github.com/kolkov/modelcheck/internal/logging"
)

// quietStrategy never switches and always picks the first candidate.
type quietStrategy struct{}

func (quietStrategy) ShouldSwitch(w int) bool            { return false }
func (quietStrategy) ChooseNext(from int, among []int) int { return among[0] }

func newTestScheduler(t *testing.T, workers int, collect bool) (*Scheduler, *trace.Collector, *codeloc.Registry) {
	t.Helper()
	loop, err := loopdetect.New(100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	collector := trace.NewCollector(collect)
	reg := codeloc.NewRegistry()
	cfg := Config{Workers: workers}
	s := New(cfg, quietStrategy{}, nil, loop, collector, reg, logging.Discard())
	loop.OnInvocationStart(0)
	s.Start(0)
	return s, collector, reg
}

// TestNonScenarioWorkersIgnored verifies every surface method is a
// no-op for thread ids outside the scenario.
func TestNonScenarioWorkersIgnored(t *testing.T) {
	s, collector, reg := newTestScheduler(t, 1, true)
	cl := reg.Register(codeloc.KindRead, "x.get", "x.go", 1)

	for _, w := range []int{-1, 1, 99} {
		s.BeforeRead(w, cl, "", 0)
		s.AfterRead(w, 7)
		s.BeforeLockRelease(w, cl, "", 0x10)
		s.BeforeMethodCall(w, cl, "m")
		s.EnterIgnoredSection(w)
		s.OnWorkerFinish(w)
	}
	if got := len(collector.Points()); got != 0 {
		t.Fatalf("non-scenario workers recorded %d points", got)
	}
	if s.SuddenResult() != nil {
		t.Fatal("non-scenario worker produced a sudden result")
	}
}

// TestIgnoredSectionNesting verifies the nest counter and that events
// inside an ignored section are invisible.
func TestIgnoredSectionNesting(t *testing.T) {
	s, collector, reg := newTestScheduler(t, 1, true)
	cl := reg.Register(codeloc.KindRead, "x.get", "x.go", 1)

	s.EnterIgnoredSection(0)
	s.EnterIgnoredSection(0)
	if got := s.IgnoredSectionDepth(0); got != 2 {
		t.Fatalf("depth = %d, want 2", got)
	}

	s.BeforeRead(0, cl, "", 0)
	if got := len(collector.Points()); got != 0 {
		t.Fatalf("ignored section leaked %d points", got)
	}

	s.LeaveIgnoredSection(0)
	s.LeaveIgnoredSection(0)
	if got := s.IgnoredSectionDepth(0); got != 0 {
		t.Fatalf("depth = %d, want 0", got)
	}

	// An unbalanced leave never drives the depth negative.
	s.LeaveIgnoredSection(0)
	if got := s.IgnoredSectionDepth(0); got != 0 {
		t.Fatalf("depth after unbalanced leave = %d, want 0", got)
	}

	s.BeforeRead(0, cl, "", 0)
	if got := len(collector.Points()); got != 1 {
		t.Fatalf("recorded %d points after leaving, want 1", got)
	}
}

// TestAfterReadAttachesValue verifies the read value lands on the
// preceding read point.
func TestAfterReadAttachesValue(t *testing.T) {
	s, collector, reg := newTestScheduler(t, 1, true)
	cl := reg.Register(codeloc.KindRead, "top.get", "stack.go", 4)

	s.BeforeRead(0, cl, "", 0)
	s.AfterRead(0, 42)

	pts := collector.Points()
	if len(pts) != 1 {
		t.Fatalf("recorded %d points, want 1", len(pts))
	}
	if pts[0].Value != "42" {
		t.Errorf("read value = %q, want %q", pts[0].Value, "42")
	}
	if pts[0].Label != "top.get" {
		t.Errorf("label = %q, want registry label", pts[0].Label)
	}
}

// TestAbortUnwindsAtNextEvent verifies that once a sudden result is
// set, the next intercepted event raises the forcible-finish signal.
func TestAbortUnwindsAtNextEvent(t *testing.T) {
	s, _, reg := newTestScheduler(t, 1, false)
	cl := reg.Register(codeloc.KindRead, "x.get", "x.go", 1)

	s.Abort(OutcomeDeadlock, nil)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("event after abort did not unwind")
		}
		if !IsForcibleFinish(r) {
			t.Fatalf("recovered %v, want the forcible-finish signal", r)
		}
		if got := s.SuddenResult(); got == nil || got.Kind != OutcomeDeadlock {
			t.Errorf("sudden result = %+v, want Deadlock", got)
		}
	}()
	s.BeforeRead(0, cl, "", 0)
}

// TestInvalidReleaseIsFatal verifies an unbalanced release aborts with
// the monitor-invariant outcome.
func TestInvalidReleaseIsFatal(t *testing.T) {
	s, _, reg := newTestScheduler(t, 1, false)
	cl := reg.Register(codeloc.KindMonitorExit, "mu.unlock", "mu.go", 2)

	defer func() {
		r := recover()
		if r == nil || !IsForcibleFinish(r) {
			t.Fatalf("recovered %v, want forcible finish", r)
		}
		if got := s.SuddenResult(); got == nil || got.Kind != OutcomeMonitorInvariantViolation {
			t.Errorf("sudden result = %+v, want MonitorInvariantViolation", got)
		}
	}()
	s.BeforeLockRelease(0, cl, "", 0x50)
}

// TestOutcomeKindPredicates pins the label and classification tables.
func TestOutcomeKindPredicates(t *testing.T) {
	cases := []struct {
		kind      OutcomeKind
		label     string
		failure   bool
		lockBased bool
	}{
		{OutcomeCompleted, "Completed", false, false},
		{OutcomeDeadlock, "Deadlock", true, true},
		{OutcomeLivelock, "LivelockThresholdExceeded", true, true},
		{OutcomeObstructionFreedomViolation, "ObstructionFreedomViolation", true, false},
		{OutcomeUnexpectedException, "UnexpectedException", true, false},
		{OutcomeIncorrectResults, "IncorrectResults", true, false},
		{OutcomeValidationFailure, "ValidationFailure", true, false},
		{OutcomeNonDeterminism, "NonDeterminism", true, false},
		{OutcomeMonitorInvariantViolation, "MonitorInvariantViolation", true, false},
		{OutcomeSpinCycleFirstTime, "SpinCycleFoundForTheFirstTime", false, false},
		{OutcomeSpinCycleMeasured, "SpinCyclePeriodMeasured", false, false},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.label {
			t.Errorf("%d.String() = %q, want %q", c.kind, got, c.label)
		}
		if got := c.kind.Failure(); got != c.failure {
			t.Errorf("%s.Failure() = %v, want %v", c.label, got, c.failure)
		}
		if got := c.kind.LockBased(); got != c.lockBased {
			t.Errorf("%s.LockBased() = %v, want %v", c.label, got, c.lockBased)
		}
	}
}

// TestLocalObjectAccessesAreNotSwitchPoints verifies reads and writes
// on unpublished objects bypass the switch-point machinery.
func TestLocalObjectAccessesAreNotSwitchPoints(t *testing.T) {
	loop, err := loopdetect.New(100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	collector := trace.NewCollector(true)
	reg := codeloc.NewRegistry()
	cfg := Config{Workers: 1, EliminateLocalObjects: true}
	s := New(cfg, quietStrategy{}, nil, loop, collector, reg, logging.Discard())
	loop.OnInvocationStart(0)
	s.Start(0)

	clR := reg.Register(codeloc.KindRead, "node.next", "list.go", 1)
	clW := reg.Register(codeloc.KindWrite, "node.next.set", "list.go", 2)

	const node uintptr = 0x100
	s.AfterNewObject(0, node)
	s.BeforeRead(0, clR, "", node)
	s.BeforeWrite(0, clW, "", node, 0x200)
	if got := len(collector.Points()); got != 0 {
		t.Fatalf("local accesses recorded %d points, want 0", got)
	}

	// Published objects go back to being switch points.
	s.BeforeWrite(0, clW, "", 0x999, node)
	s.BeforeRead(0, clR, "", node)
	if got := len(collector.Points()); got != 2 {
		t.Fatalf("shared accesses recorded %d points, want 2", got)
	}
}

// Package check drives concurrent scenarios through controlled
// interleavings and reports violations with reproducible traces.
//
// # Model
//
// A Scenario fixes N worker columns of actors over a structure created
// by Init. The engine runs the scenario many times; within each
// invocation only one worker advances at a time, and the scheduling
// Strategy decides where the execution switches between workers. The
// engine detects:
//
//   - non-linearizable results (through the Verify hook)
//   - active and passive deadlocks
//   - live-locks (unproductive spin cycles)
//   - obstruction-freedom violations
//   - unexpected panics and post-run validation failures
//
// On a failure the same interleaving is re-run with trace collection
// enabled, and the resulting report shows every event with its call
// stack, switch reasons, and spin-cycle markers. A re-run that
// diverges from the original is reported as non-determinism.
//
// # Instrumentation
//
// Actor operations call back into the engine through their Env handle
// before every shared memory access, lock operation, park, wait and
// tracked method call. Code location ids come from a LocationRegistry
// and must be stable across invocations:
//
//	reg := check.NewRegistry()
//	clGet := check.RegisterLocation(reg, check.KindRead, "stack.top", "stack.go", 21)
//
//	pop := check.Actor{Name: "pop()", Op: func(e *check.Env) any {
//		s := e.State().(*Stack)
//		e.BeforeRead(clGet, s.ID())
//		v := s.Top()
//		e.AfterRead(v)
//		return v
//	}}
//
// # Running a check
//
//	sc := &check.Scenario{
//		Workers: [][]check.Actor{{push}, {pop}},
//		Init:    func() any { return NewStack() },
//		Verify:  acceptSequential,
//	}
//	res, err := check.RunScenario(sc, check.Options{}, check.NewRandomStrategy(42, 10000))
//	if res.Failed() {
//		fmt.Print(res.Report)
//	}
//
// The forcible-finish signal used to stop workers on an abort must
// propagate through actor code: operations must not recover panics
// wholesale.
package check

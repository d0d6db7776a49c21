// Package check is the public API of the managed-strategy model
// checking engine.
//
// A check takes a Scenario (a fixed set of actor sequences over a
// user-supplied structure), drives it through many interleavings under
// a scheduling Strategy, and reports the first violation together with
// a human-readable trace of the interleaving that caused it.
//
// See doc.go for an end-to-end example.
package check

import (
	"github.com/kolkov/modelcheck/internal/check/codeloc"
	"github.com/kolkov/modelcheck/internal/check/driver"
	"github.com/kolkov/modelcheck/internal/check/scheduler"
)

// Re-exported scenario and engine types. The implementation lives in
// internal/check; this package is the stable surface.
type (
	// Actor describes one operation of the scenario.
	Actor = driver.Actor

	// Scenario is the fixed set of actor columns plus lifecycle hooks.
	Scenario = driver.Scenario

	// Env is the per-worker instrumentation handle passed to actor
	// operations.
	Env = driver.Env

	// Options configures the engine.
	Options = driver.Options

	// Result is the verdict of a whole check.
	Result = driver.Result

	// Strategy is the scheduling oracle driving the search.
	Strategy = driver.Strategy

	// OutcomeKind classifies how a check ended.
	OutcomeKind = scheduler.OutcomeKind

	// CodeLocationID identifies an instrumented event site.
	CodeLocationID = codeloc.ID

	// LocationKind classifies an event site.
	LocationKind = codeloc.Kind

	// LocationRegistry allocates code location ids.
	LocationRegistry = codeloc.Registry
)

// Outcome kinds, re-exported for callers switching on Result.Outcome.
const (
	OutcomeCompleted                   = scheduler.OutcomeCompleted
	OutcomeDeadlock                    = scheduler.OutcomeDeadlock
	OutcomeLivelock                    = scheduler.OutcomeLivelock
	OutcomeObstructionFreedomViolation = scheduler.OutcomeObstructionFreedomViolation
	OutcomeUnexpectedException         = scheduler.OutcomeUnexpectedException
	OutcomeIncorrectResults            = scheduler.OutcomeIncorrectResults
	OutcomeValidationFailure           = scheduler.OutcomeValidationFailure
	OutcomeNonDeterminism              = scheduler.OutcomeNonDeterminism
	OutcomeMonitorInvariantViolation   = scheduler.OutcomeMonitorInvariantViolation
)

// NewRegistry creates a code-location registry. One registry serves a
// whole check; ids must stay stable across invocations.
func NewRegistry() *LocationRegistry {
	return codeloc.NewRegistry()
}

// Location kinds accepted by RegisterLocation.
const (
	KindRead         = codeloc.KindRead
	KindWrite        = codeloc.KindWrite
	KindAtomicCall   = codeloc.KindAtomicCall
	KindMonitorEnter = codeloc.KindMonitorEnter
	KindMonitorExit  = codeloc.KindMonitorExit
	KindPark         = codeloc.KindPark
	KindUnpark       = codeloc.KindUnpark
	KindWait         = codeloc.KindWait
	KindNotify       = codeloc.KindNotify
	KindMethodCall   = codeloc.KindMethodCall
	KindMethodReturn = codeloc.KindMethodReturn
)

// RegisterLocation allocates a stable code location id for an event
// site. Instrumentation calls this once per site, before workers run.
func RegisterLocation(reg *LocationRegistry, kind LocationKind, label, file string, line int) CodeLocationID {
	return reg.Register(kind, label, file, line)
}

// RunScenario performs one full check: invocations repeat until the
// strategy's budget is exhausted or a failure is produced, and a
// failure is replayed once more with tracing enabled.
func RunScenario(sc *Scenario, opts Options, strategy Strategy) (*Result, error) {
	d, err := driver.New(sc, opts, strategy)
	if err != nil {
		return nil, err
	}
	return d.Run()
}

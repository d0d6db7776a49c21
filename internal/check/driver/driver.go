// Package driver runs scenario invocations on top of the cooperative
// scheduler and orchestrates the search loop: repeated invocations
// until the strategy is exhausted or a failure is produced, spin-cycle
// measurement re-runs, and the final trace-collection pass with its
// determinism check.
package driver

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/modelcheck/internal/check/codeloc"
	"github.com/kolkov/modelcheck/internal/check/loopdetect"
	"github.com/kolkov/modelcheck/internal/check/scheduler"
	"github.com/kolkov/modelcheck/internal/check/trace"
	"github.com/kolkov/modelcheck/internal/logging"
)

// Strategy extends the scheduler's oracle with the search-loop
// contract: invocation budgeting and replay notification. A strategy
// told BeginInvocation(replay=true) must repeat the decision sequence
// of the previous invocation exactly.
type Strategy interface {
	scheduler.Strategy

	// NextInvocation reports whether the search should run another
	// invocation.
	NextInvocation() bool

	// BeginInvocation resets the per-invocation decision stream.
	BeginInvocation(replay bool)
}

// Options are the engine's configuration knobs.
type Options struct {
	HangingDetectionThreshold  int
	LivelockEventsThreshold    int
	CheckObstructionFreedom    bool
	EliminateLocalObjects      bool
	CollectStateRepresentation bool
	Timeout                    time.Duration

	Logger   *logging.Logger
	Registry *codeloc.Registry
}

// Defaults applied by New for zero-valued options.
const (
	DefaultHangingDetectionThreshold = 101
	DefaultLivelockEventsThreshold   = 10_000
	DefaultTimeout                   = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.HangingDetectionThreshold == 0 {
		o.HangingDetectionThreshold = DefaultHangingDetectionThreshold
	}
	if o.LivelockEventsThreshold == 0 {
		o.LivelockEventsThreshold = DefaultLivelockEventsThreshold
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Registry == nil {
		o.Registry = codeloc.NewRegistry()
	}
	return o
}

// Result is the verdict of a whole check.
type Result struct {
	ID          uuid.UUID
	Outcome     scheduler.OutcomeKind
	Err         error
	Results     [][]any
	Report      string
	TracePoints []*trace.Point
	Invocations int

	// NonDeterministic marks that the trace-collection re-run diverged
	// from the reported failure, which is therefore reported without a
	// trace.
	NonDeterministic bool
}

// Failed reports whether the check produced a failure.
func (r *Result) Failed() bool { return r.Outcome.Failure() }

// Driver owns the cross-invocation state of one check.
type Driver struct {
	sc       *Scenario
	opts     Options
	strategy Strategy
	loop     *loopdetect.Detector
	log      *logging.Logger
	id       uuid.UUID

	invocations int
}

// New validates the configuration and assembles a driver.
func New(sc *Scenario, opts Options, strategy Strategy) (*Driver, error) {
	if sc == nil || len(sc.Workers) == 0 {
		return nil, errors.New("driver: scenario has no workers")
	}
	for w, col := range sc.Workers {
		if len(col) == 0 {
			return nil, fmt.Errorf("driver: worker %d has no actors", w)
		}
	}
	opts = opts.withDefaults()

	loop, err := loopdetect.New(opts.HangingDetectionThreshold, opts.LivelockEventsThreshold)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	return &Driver{
		sc:       sc,
		opts:     opts,
		strategy: strategy,
		loop:     loop,
		log:      opts.Logger.WithComponent("driver").WithInvocation(id.String()),
		id:       id,
	}, nil
}

// invocation bundles everything one runInvocation produced.
type invocation struct {
	outcome scheduler.Outcome
	results [][]any
	history []loopdetect.HistoryNode
	points  []*trace.Point
	state   any
}

// Run executes the search loop. It returns the first failure, enriched
// with a trace from the diagnostic re-run, or a Completed result when
// the strategy is exhausted.
func (d *Driver) Run() (*Result, error) {
	var last invocation
	for d.strategy.NextInvocation() {
		d.invocations++
		d.strategy.BeginInvocation(false)
		inv := d.runInvocation(false)

		if inv.outcome.Kind == scheduler.OutcomeSpinCycleFirstTime {
			// Re-run the same interleaving with value views recorded
			// so the cycle can be measured.
			d.loop.EnableExtraEvents()
			d.strategy.BeginInvocation(true)
			inv = d.runInvocation(false)
		}
		if inv.outcome.Kind == scheduler.OutcomeSpinCycleMeasured {
			d.loop.CommitInterleaving(inv.history)
			last = inv
			continue
		}

		d.judge(&inv)

		if inv.outcome.Kind.Failure() {
			d.log.Info("failure found", "outcome", inv.outcome.Kind.String(), "invocations", d.invocations)
			return d.collectTracePass(inv)
		}
		last = inv
	}

	d.log.Info("search exhausted", "invocations", d.invocations)
	return &Result{
		ID:          d.id,
		Outcome:     scheduler.OutcomeCompleted,
		Results:     last.results,
		Invocations: d.invocations,
	}, nil
}

// collectTracePass re-runs the failing invocation with the collector
// on. Lock-based failures replay the recorded interleaving through the
// loop detector; every other failure reproduces through the same
// strategy decisions and thresholds. A divergent re-run is reported as
// non-determinism, and the first failure goes out without a trace.
func (d *Driver) collectTracePass(first invocation) (*Result, error) {
	if first.outcome.Kind.LockBased() {
		d.loop.EnableReplay(loopdetect.ReplayHistory(first.history), true)
		defer d.loop.DisableReplay()
	}
	d.strategy.BeginInvocation(true)
	second := d.runInvocation(true)
	d.judge(&second)

	if !kindsMatch(first.outcome.Kind, second.outcome.Kind) || !reflect.DeepEqual(first.results, second.results) {
		d.log.Warn("non-deterministic re-run",
			"first", first.outcome.Kind.String(), "second", second.outcome.Kind.String())
		return &Result{
			ID:      d.id,
			Outcome: first.outcome.Kind,
			Err: fmt.Errorf("trace collection diverged: %s vs %s\nfirst results: %ssecond results: %s",
				first.outcome.Kind, second.outcome.Kind,
				spew.Sdump(first.results), spew.Sdump(second.results)),
			Results:          first.results,
			Invocations:      d.invocations,
			NonDeterministic: true,
		}, nil
	}

	rep := &trace.Report{
		Outcome:    second.outcome.Kind.String(),
		ActorNames: d.sc.ActorNames(),
		Points:     second.points,
	}
	return &Result{
		ID:          d.id,
		Outcome:     second.outcome.Kind,
		Err:         first.outcome.Err,
		Results:     first.results,
		Report:      rep.Render(),
		TracePoints: second.points,
		Invocations: d.invocations,
	}, nil
}

// judge applies the verifier and validation hooks to a completed
// invocation, downgrading its outcome to a failure when they reject.
func (d *Driver) judge(inv *invocation) {
	if inv.outcome.Kind != scheduler.OutcomeCompleted {
		return
	}
	if d.sc.Verify != nil && !d.sc.Verify(inv.results) {
		inv.outcome = scheduler.Outcome{Kind: scheduler.OutcomeIncorrectResults}
		return
	}
	if d.sc.Validate != nil {
		if err := d.sc.Validate(inv.state); err != nil {
			inv.outcome = scheduler.Outcome{Kind: scheduler.OutcomeValidationFailure, Err: err}
		}
	}
}

// kindsMatch compares outcome kinds for the determinism check. The
// live-lock verdict replays as a deadlock, so the lock-based kinds are
// equivalent.
func kindsMatch(a, b scheduler.OutcomeKind) bool {
	if a == b {
		return true
	}
	return a.LockBased() && b.LockBased()
}

// runInvocation runs the scenario once under a fresh scheduler.
func (d *Driver) runInvocation(collectTrace bool) invocation {
	var state any
	if d.sc.Init != nil {
		state = d.sc.Init()
	}
	run := newRunner(d.sc, state, d.opts.CollectStateRepresentation)
	collector := trace.NewCollector(collectTrace)

	cfg := scheduler.Config{
		Workers:                    len(d.sc.Workers),
		ActorFlags:                 d.sc.actorFlags(),
		CheckObstructionFreedom:    d.opts.CheckObstructionFreedom,
		CollectStateRepresentation: d.opts.CollectStateRepresentation,
		EliminateLocalObjects:      d.opts.EliminateLocalObjects,
	}
	sched := scheduler.New(cfg, d.strategy, run, d.loop, collector, d.opts.Registry, d.log)
	d.loop.OnInvocationStart(0)

	results := make([][]any, len(d.sc.Workers))
	for w := range results {
		results[w] = make([]any, len(d.sc.Workers[w]))
	}

	var g errgroup.Group
	for w := range d.sc.Workers {
		env := &Env{worker: w, sched: sched, state: state}
		env.runner = run
		col := d.sc.Workers[w]
		g.Go(func() error {
			return d.runWorker(sched, env, col, results[env.worker])
		})
	}
	sched.Start(0)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var werr error
	select {
	case werr = <-done:
	case <-time.After(d.opts.Timeout):
		// Wall-clock budget expired: raise a deadlock and give the
		// workers a grace period to observe it.
		sched.Abort(scheduler.OutcomeDeadlock, errors.New("invocation wall-clock budget exceeded"))
		select {
		case werr = <-done:
		case <-time.After(time.Second):
			d.log.Error("workers did not stop after timeout abort")
		}
	}

	inv := invocation{
		results: results,
		history: d.loop.FinishInvocation(),
		points:  collector.Points(),
		state:   state,
	}
	if sudden := sched.SuddenResult(); sudden != nil {
		inv.outcome = *sudden
	} else if werr != nil {
		inv.outcome = scheduler.Outcome{Kind: scheduler.OutcomeUnexpectedException, Err: werr}
	} else {
		inv.outcome = scheduler.Outcome{Kind: scheduler.OutcomeCompleted}
	}
	return inv
}

// runWorker is one worker's top frame. The forcible-finish signal is
// absorbed here and only here; any other panic is an unexpected
// exception.
func (d *Driver) runWorker(sched *scheduler.Scheduler, env *Env, actors []Actor, results []any) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer func() {
		if r := recover(); r != nil {
			if scheduler.IsForcibleFinish(r) {
				return
			}
			err = fmt.Errorf("worker %d: unexpected panic: %v", env.worker, r)
			sched.OnInternalException(env.worker, err)
		}
	}()

	sched.OnWorkerStart(env.worker)
	for i, a := range actors {
		sched.OnActorStart(env.worker, i)
		results[i] = a.Op(env)
	}
	sched.OnWorkerFinish(env.worker)
	return nil
}

// runner is the in-process implementation of the scheduler's Runner
// contract.
type runner struct {
	sc           *Scenario
	state        any
	collectState bool
	resumable    []atomic.Bool
}

func newRunner(sc *Scenario, state any, collectState bool) *runner {
	return &runner{
		sc:           sc,
		state:        state,
		collectState: collectState,
		resumable:    make([]atomic.Bool, len(sc.Workers)),
	}
}

// CanResume reports whether worker w's suspended continuation may be
// re-selected.
func (r *runner) CanResume(w, actorID int) bool {
	return r.resumable[w].Load()
}

// MarkResumable flags worker w's continuation as resumable. Called
// through Env by the worker whose action unblocks the continuation.
func (r *runner) MarkResumable(w int) {
	r.resumable[w].Store(true)
}

// CaptureStateRepresentation renders the structure under test, using
// the scenario's renderer or a generic deep dump.
func (r *runner) CaptureStateRepresentation() (string, bool) {
	if !r.collectState || r.state == nil {
		return "", false
	}
	if r.sc.StateRepresentation != nil {
		return r.sc.StateRepresentation(r.state), true
	}
	return strings.TrimSpace(spew.Sdump(r.state)), true
}

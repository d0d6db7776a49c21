package scheduler

// OutcomeKind classifies how an invocation ended.
type OutcomeKind int

// Invocation outcomes. The two spin-cycle kinds are internal to the
// search loop: they request a re-run rather than report a failure.
const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeDeadlock
	OutcomeLivelock
	OutcomeObstructionFreedomViolation
	OutcomeUnexpectedException
	OutcomeIncorrectResults
	OutcomeValidationFailure
	OutcomeNonDeterminism
	OutcomeMonitorInvariantViolation

	OutcomeSpinCycleFirstTime
	OutcomeSpinCycleMeasured
)

// String returns the user-facing label of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "Completed"
	case OutcomeDeadlock:
		return "Deadlock"
	case OutcomeLivelock:
		return "LivelockThresholdExceeded"
	case OutcomeObstructionFreedomViolation:
		return "ObstructionFreedomViolation"
	case OutcomeUnexpectedException:
		return "UnexpectedException"
	case OutcomeIncorrectResults:
		return "IncorrectResults"
	case OutcomeValidationFailure:
		return "ValidationFailure"
	case OutcomeNonDeterminism:
		return "NonDeterminism"
	case OutcomeMonitorInvariantViolation:
		return "MonitorInvariantViolation"
	case OutcomeSpinCycleFirstTime:
		return "SpinCycleFoundForTheFirstTime"
	case OutcomeSpinCycleMeasured:
		return "SpinCyclePeriodMeasured"
	default:
		return "Unknown"
	}
}

// Failure reports whether the kind is a user-visible failure verdict.
func (k OutcomeKind) Failure() bool {
	switch k {
	case OutcomeDeadlock, OutcomeLivelock, OutcomeObstructionFreedomViolation,
		OutcomeUnexpectedException, OutcomeIncorrectResults,
		OutcomeValidationFailure, OutcomeNonDeterminism, OutcomeMonitorInvariantViolation:
		return true
	default:
		return false
	}
}

// LockBased reports whether the failure is a live/deadlock; their
// trace-collection replay must re-raise Deadlock at the recorded end.
func (k OutcomeKind) LockBased() bool {
	return k == OutcomeDeadlock || k == OutcomeLivelock
}

// Outcome is a sudden invocation result set by the scheduler or one of
// its trackers.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

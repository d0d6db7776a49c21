// Package callstack tracks per-worker method entry/exit so that every
// recorded trace point carries its callsite context, and so that a
// suspended call keeps the same identity when it resumes.
package callstack

import (
	"fmt"

	"github.com/kolkov/modelcheck/internal/check/trace"
)

// Tracker maintains one method stack per worker plus a parallel stack of
// suspended method ids. Method ids are minted once per logical call: a
// call that suspends and later resumes reuses its id, so the trace shows
// one call, not two.
type Tracker struct {
	stacks    [][]trace.Frame
	suspended [][]int
	nextID    int
}

// New creates a tracker for n workers.
func New(n int) *Tracker {
	return &Tracker{
		stacks:    make([][]trace.Frame, n),
		suspended: make([][]int, n),
		nextID:    1,
	}
}

// BeforeMethodCall pushes a frame for worker w. If the worker has a
// suspended method id pending (its continuation is being re-entered),
// that id is reused; otherwise a fresh one is minted.
func (t *Tracker) BeforeMethodCall(w int, label string) {
	var id int
	if susp := t.suspended[w]; len(susp) > 0 {
		id = susp[len(susp)-1]
		t.suspended[w] = susp[:len(susp)-1]
	} else {
		id = t.nextID
		t.nextID++
	}
	t.stacks[w] = append(t.stacks[w], trace.Frame{MethodID: id, Label: label})
}

// AfterMethodCall pops the top frame of worker w. If the just-finished
// call is suspended (rather than returned), its method id is parked so
// the resumed continuation picks it back up.
func (t *Tracker) AfterMethodCall(w int, suspendedCall bool) {
	stack := t.stacks[w]
	if len(stack) == 0 {
		return
	}
	top := stack[len(stack)-1]
	t.stacks[w] = stack[:len(stack)-1]
	if suspendedCall {
		t.suspended[w] = append(t.suspended[w], top.MethodID)
	}
}

// Snapshot returns a copy of worker w's current stack, bottom first.
func (t *Tracker) Snapshot(w int) []trace.Frame {
	stack := t.stacks[w]
	if len(stack) == 0 {
		return nil
	}
	out := make([]trace.Frame, len(stack))
	copy(out, stack)
	return out
}

// Depth returns the current call depth of worker w.
func (t *Tracker) Depth(w int) int {
	return len(t.stacks[w])
}

// Top returns the label of worker w's innermost frame, "" when empty.
func (t *Tracker) Top(w int) string {
	stack := t.stacks[w]
	if len(stack) == 0 {
		return ""
	}
	return stack[len(stack)-1].Label
}

// OnActorStart asserts the actor-boundary invariant: a worker's call
// stack is empty between actors.
func (t *Tracker) OnActorStart(w int) error {
	if len(t.stacks[w]) != 0 {
		return fmt.Errorf("callstack: worker %d enters an actor with %d frames on the stack", w, len(t.stacks[w]))
	}
	return nil
}

// Reset clears all stacks for a new invocation.
func (t *Tracker) Reset() {
	for w := range t.stacks {
		t.stacks[w] = nil
		t.suspended[w] = nil
	}
	t.nextID = 1
}

// Package codeloc implements the code-location identifier model shared by
// the instrumentation surface and the loop detector.
//
// A code location id (CLID) is a stable 32-bit integer assigned when the
// instrumentation registers an event site. The encoding carries the event
// class in-band:
//   - even positive ids are potential switch points (shared reads, writes,
//     atomic calls, lock operations, parks, waits)
//   - odd positive ids are helper events (method enter/exit)
//   - negative even-magnitude ids are value views: hash-normalised
//     encodings of method receivers and parameters, used only as
//     pseudo-events when identifying spin cycles
//   - SuspensionSentinel is reserved for coroutine suspension and never
//     contributes to loop counts
//
// This mirrors the bit-packed identity encoding used throughout the
// runtime: the class check is a mask, not a table lookup.
package codeloc

import "sync"

// ID is a code location identifier.
type ID int32

// LeastCodeLocationID is the first id handed out by a Registry. The gap
// below it is reserved so that ids can never collide with small constants
// used by instrumentation opcodes.
const LeastCodeLocationID ID = 256

// SuspensionSentinel is the reserved CLID recorded when a coroutine
// suspension is re-entered as a synthetic switch point. It is negative
// with odd magnitude, so it is distinct from every registered id and
// every value view.
const SuspensionSentinel ID = -1

// Kind classifies the event a code location stands for.
type Kind int

// Event kinds. The first group are switch points (even ids), the second
// helper events (odd ids).
const (
	KindRead Kind = iota
	KindWrite
	KindAtomicCall
	KindMonitorEnter
	KindMonitorExit
	KindPark
	KindUnpark
	KindWait
	KindNotify

	KindMethodCall
	KindMethodReturn
)

// SwitchPoint reports whether the kind is a potential switch point.
func (k Kind) SwitchPoint() bool {
	return k <= KindNotify
}

// String returns the event kind label used in traces.
func (k Kind) String() string {
	switch k {
	case KindRead:
		return "READ"
	case KindWrite:
		return "WRITE"
	case KindAtomicCall:
		return "ATOMIC"
	case KindMonitorEnter:
		return "MONITORENTER"
	case KindMonitorExit:
		return "MONITOREXIT"
	case KindPark:
		return "PARK"
	case KindUnpark:
		return "UNPARK"
	case KindWait:
		return "WAIT"
	case KindNotify:
		return "NOTIFY"
	case KindMethodCall:
		return "CALL"
	case KindMethodReturn:
		return "RETURN"
	default:
		return "UNKNOWN"
	}
}

// IsSwitchPoint reports whether id is a registered switch-point CLID.
func IsSwitchPoint(id ID) bool {
	return id > 0 && id&1 == 0
}

// IsHelper reports whether id is a registered helper CLID
// (method enter/exit).
func IsHelper(id ID) bool {
	return id > 0 && id&1 == 1
}

// IsValueView reports whether id encodes a receiver/parameter value view.
func IsValueView(id ID) bool {
	return id < 0 && id != SuspensionSentinel
}

// ValueView normalises a value hash into a value-view pseudo-CLID:
// negative, with the low bit of its magnitude cleared so it can never be
// mistaken for the suspension sentinel.
func ValueView(hash uint32) ID {
	v := int32(hash) &^ 1
	if v < 0 {
		v = -v
	}
	if v == 0 {
		v = 2
	}
	return ID(-v)
}

// Descriptor carries the registration metadata of a code location.
// Only diagnostics read it; the hot path works on the raw ID.
type Descriptor struct {
	ID    ID
	Kind  Kind
	Label string
	File  string
	Line  int
}

// Registry allocates CLIDs from a monotone counter and retains their
// descriptors for trace rendering.
//
// Registration happens at instrumentation time, before any worker runs,
// but the registry is still locked: test scenarios register lazily.
type Registry struct {
	mu   sync.Mutex
	next ID
	byID map[ID]Descriptor
}

// NewRegistry creates an empty registry starting at LeastCodeLocationID.
func NewRegistry() *Registry {
	return &Registry{
		next: LeastCodeLocationID,
		byID: make(map[ID]Descriptor),
	}
}

// Register allocates a CLID for an event site. The id parity encodes the
// kind class: switch points get even ids, helper events odd ids.
func (r *Registry) Register(kind Kind, label, file string, line int) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.next
	if kind.SwitchPoint() {
		if id&1 == 1 {
			id++
		}
	} else {
		if id&1 == 0 {
			id++
		}
	}
	r.next = id + 1

	r.byID[id] = Descriptor{ID: id, Kind: kind, Label: label, File: file, Line: line}
	return id
}

// Lookup returns the descriptor of a registered id.
func (r *Registry) Lookup(id ID) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	return d, ok
}

// Label returns a human-readable name for id, falling back to the kind
// tag for unregistered ids (value views, the sentinel).
func (r *Registry) Label(id ID) string {
	if d, ok := r.Lookup(id); ok && d.Label != "" {
		return d.Label
	}
	switch {
	case id == SuspensionSentinel:
		return "<suspension>"
	case IsValueView(id):
		return "<value view>"
	default:
		return "<unregistered>"
	}
}

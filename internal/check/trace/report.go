package trace

import (
	"fmt"
	"strings"
)

// RepeatHeader precedes the body of a spin cycle in the detailed trace.
const RepeatHeader = "/* The following events repeat infinitely: */"

// Report renders the textual failure report: the worker-column scenario
// table, the compact interleaving table and the detailed per-event trace.
// All three are derived purely from the collected log.
type Report struct {
	Outcome    string
	ActorNames [][]string
	Points     []*Point
}

// Render produces the complete report text.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "= %s =\n\n", r.Outcome)
	r.renderScenarioTable(&b)
	b.WriteString("\n")
	r.renderInterleavingTable(&b)
	b.WriteString("\n")
	r.renderDetailedTrace(&b)
	return b.String()
}

// renderScenarioTable prints the actors, one column per worker.
func (r *Report) renderScenarioTable(b *strings.Builder) {
	if len(r.ActorNames) == 0 {
		return
	}
	widths := make([]int, len(r.ActorNames))
	rows := 0
	for w, col := range r.ActorNames {
		widths[w] = len(fmt.Sprintf("Worker %d", w))
		for _, name := range col {
			if len(name) > widths[w] {
				widths[w] = len(name)
			}
		}
		if len(col) > rows {
			rows = len(col)
		}
	}

	sep := "|"
	for _, w := range widths {
		sep += strings.Repeat("-", w+2) + "|"
	}

	b.WriteString(sep + "\n|")
	for w := range r.ActorNames {
		fmt.Fprintf(b, " %-*s |", widths[w], fmt.Sprintf("Worker %d", w))
	}
	b.WriteString("\n" + sep + "\n")
	for row := 0; row < rows; row++ {
		b.WriteString("|")
		for w, col := range r.ActorNames {
			cell := ""
			if row < len(col) {
				cell = col[row]
			}
			fmt.Fprintf(b, " %-*s |", widths[w], cell)
		}
		b.WriteString("\n")
	}
	b.WriteString(sep + "\n")
}

// renderInterleavingTable prints the compact view: switches, spin-cycle
// markers and aborts, one line each, in trace order.
func (r *Report) renderInterleavingTable(b *strings.Builder) {
	b.WriteString("Interleaving:\n")
	for _, p := range r.Points {
		switch p.Kind {
		case KindSwitch:
			fmt.Fprintf(b, "  [worker %d] %s\n", p.Worker, p.Reason)
		case KindSpinCycleStart:
			fmt.Fprintf(b, "  [worker %d] spin cycle start\n", p.Worker)
		case KindObstructionFreedomAbort:
			fmt.Fprintf(b, "  [worker %d] obstruction-freedom abort\n", p.Worker)
		case KindFinish:
			fmt.Fprintf(b, "  [worker %d] finished\n", p.Worker)
		case KindCodeLocation:
			fmt.Fprintf(b, "  [worker %d] code location: %s\n", p.Worker, p.Label)
		}
	}
}

// renderDetailedTrace prints every point with call-stack indentation and
// the repeat header before each worker's cycle body.
func (r *Report) renderDetailedTrace(b *strings.Builder) {
	b.WriteString("Detailed trace:\n")
	for _, p := range r.Points {
		indent := strings.Repeat("  ", 1+len(p.Stack))
		switch p.Kind {
		case KindSwitch:
			fmt.Fprintf(b, "  [worker %d] /* %s */\n", p.Worker, p.Reason)
		case KindSpinCycleStart:
			fmt.Fprintf(b, "%s%s\n", indent, RepeatHeader)
		case KindCodeLocation:
			line := fmt.Sprintf("%s%s %s", indent, p.Event, p.Label)
			if p.Value != "" {
				line += ": " + p.Value
			}
			fmt.Fprintf(b, "[%d] %s\n", p.Worker, line)
		case KindStateRepresentation:
			fmt.Fprintf(b, "%sSTATE: %s\n", indent, p.Snapshot)
		case KindObstructionFreedomAbort:
			fmt.Fprintf(b, "%s/* obstruction-freedom requirement violated */\n", indent)
		case KindFinish:
			fmt.Fprintf(b, "  [worker %d] /* finished */\n", p.Worker)
		}
	}
}

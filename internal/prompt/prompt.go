// Package prompt asks the operator what to do about a captured fault.
package prompt

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
)

// Result is the operator's decision.
type Result struct {
	// Terminate ends the process once the report is handled.
	Terminate bool
	// Send queues the report for delivery.
	Send bool
}

// Prompt is consulted synchronously on the goroutine that captured the
// fault. Implementations must not panic and may set
// r.GeneralInfo.UserDescription.
type Prompt interface {
	Ask(r *report.Report) Result
}

// Func adapts a function to Prompt.
type Func func(r *report.Report) Result

// Ask calls f.
func (f Func) Ask(r *report.Report) Result { return f(r) }

// Static answers every fault the same way without user interaction.
type Static struct {
	Result Result
}

// Default continues and sends.
func Default() Static { return Static{Result: Result{Send: true}} }

// Ask implements Prompt.
func (s Static) Ask(*report.Report) Result { return s.Result }

// Details renders the report as plain text for display and copying.
func Details(r *report.Report) string {
	var b strings.Builder
	gi := r.GeneralInfo
	fmt.Fprintf(&b, "Application: %s %s\n", gi.HostApplication, gi.HostApplicationVersion)
	fmt.Fprintf(&b, "Time (UTC):  %s\n", gi.DateTime)
	fmt.Fprintf(&b, "Report ID:   %s\n", gi.ReportID)
	fmt.Fprintf(&b, "Runtime:     %s\n", gi.RuntimeVersion)

	depth := 0
	for s := r.Exception; s != nil; s = s.Inner {
		indent := strings.Repeat("  ", depth)
		if depth == 0 {
			fmt.Fprintf(&b, "\n%s: %s\n", s.Kind, s.Message)
		} else {
			fmt.Fprintf(&b, "%scaused by %s: %s\n", indent, s.Kind, s.Message)
		}
		if s.TargetSite != "" {
			fmt.Fprintf(&b, "%s  at %s\n", indent, s.TargetSite)
		}
		if s.StackTrace != "" {
			for _, line := range strings.Split(strings.TrimRight(s.StackTrace, "\n"), "\n") {
				fmt.Fprintf(&b, "%s  %s\n", indent, line)
			}
		}
		for _, other := range s.Inners {
			fmt.Fprintf(&b, "%s  also caused by %s: %s\n", indent, other.Kind, other.Message)
		}
		depth++
	}
	return b.String()
}

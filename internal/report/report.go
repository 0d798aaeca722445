// Package report renders a finished run for humans and maps its outcome
// to a process exit code.
package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/vk/gantry/internal/runctx"
)

// Render writes a per-instance, per-step result table to w.
func Render(w io.Writer, summary *runctx.Summary) error {
	fmt.Fprintf(w, "Run %s (%s): %s\n", summary.RunID, summary.WorkflowName, summary.Status)

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tSTEP\tSTATUS\tDURATION\tERROR")
	for _, inst := range summary.Instances {
		fmt.Fprintf(tw, "%s\t\t%s\t%s\t%s\n", inst.ID, inst.Status, duration(inst.StartedAt, inst.FinishedAt), inst.Error)
		for _, step := range inst.Steps {
			fmt.Fprintf(tw, "\t%s\t%s\t%s\t%s\n", step.Label, step.Conclusion, duration(step.StartedAt, step.FinishedAt), step.Error)
		}
	}
	return tw.Flush()
}

// ExitCode maps the run status to the process exit status. Cancelled runs
// are reported distinctly in the table but still fail the invocation.
func ExitCode(summary *runctx.Summary) int {
	if summary.Failed() {
		return 1
	}
	return 0
}

func duration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() {
		return "-"
	}
	return end.Sub(start).Round(time.Millisecond).String()
}

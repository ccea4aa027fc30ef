package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
	"github.com/openfroyo/froyo-mysql/pkg/resources"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printPlan lists the declarations of a plan, one per line.
func printPlan(w io.Writer, plan *resources.Plan, warnings []string) {
	fmt.Fprintf(w, "%s :%s (%d declarations)\n", plan.Resource, plan.Action, len(plan.Declarations))
	for i, d := range plan.Declarations {
		actions := make([]string, len(d.Actions))
		for j, a := range d.Actions {
			actions[j] = string(a)
		}
		fmt.Fprintf(w, "  %2d. %-9s %s [%s]", i+1, d.Kind, d.Name, strings.Join(actions, ", "))
		if d.Guard != nil {
			switch {
			case d.Guard.NotIf != "":
				fmt.Fprintf(w, " not_if %q", d.Guard.NotIf)
			case d.Guard.OnlyIf != "":
				fmt.Fprintf(w, " only_if %q", d.Guard.OnlyIf)
			}
		}
		fmt.Fprintln(w)
	}
	for _, warning := range warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

// printRun summarizes a run and lists results that did something.
func printRun(w io.Writer, run *engine.Run) {
	fmt.Fprintf(w, "%s :%s on %s: %s (%s)\n", run.Resource, run.Action, run.Target, run.Status, run.ID)
	for _, r := range run.Results {
		line := fmt.Sprintf("  %2d. %-10s %s", r.Seq+1, r.Status, r.Name)
		if r.Reason != "" {
			line += " (" + r.Reason + ")"
		}
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Fprintln(w, line)
	}
	s := run.Summary
	fmt.Fprintf(w, "  %d updated, %d up to date, %d skipped, %d failed", s.Updated, s.UpToDate, s.Skipped, s.Failed)
	if run.CompletedAt != nil {
		fmt.Fprintf(w, " in %s", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintln(w)
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kbukum/modelrun/dag"
	"github.com/kbukum/modelrun/validation"
	"github.com/kbukum/modelrun/workflow"
)

type runFlags struct {
	teamID     int64
	selectors  []string
	workflowID string
	json       bool
	plan       bool
}

func (f *runFlags) validate() error {
	return validation.New().
		Min("team", f.teamID, 1).
		Selectors("select", f.selectors).
		Validate()
}

func (f *runFlags) input() (workflow.Input, error) {
	in := workflow.Input{TeamID: f.teamID, WorkflowID: f.workflowID}
	for _, raw := range f.selectors {
		sel, err := dag.ParseSelector(raw)
		if err != nil {
			return in, err
		}
		in.Selectors = append(in.Selectors, sel)
	}
	return in, nil
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a team's models once",
		Long: `Run materializes the models picked by --select and everything they depend on.

A selector is label[:ancestors[:descendants]]. The label is a model name,
a model id or "*" for every model. Depths are integers or "all" and
default to 0.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := flags.validate(); err != nil {
				return err
			}
			in, err := flags.input()
			if err != nil {
				return err
			}
			a, err := root.newApp()
			if err != nil {
				return err
			}
			svc := &services{}
			if flags.plan {
				a.OnStart(func(ctx context.Context) error { return svc.openRecords(ctx, a) })
				return a.RunTask(cmd.Context(), func(ctx context.Context) error {
					builder := dag.NewBuilder(svc.records, a.Logger, dag.WithCanonicalizer(svc.records))
					d, err := builder.BuildForSelectors(ctx, in.TeamID, in.Selectors)
					if err != nil {
						return err
					}
					return writePlan(cmd.OutOrStdout(), d)
				})
			}
			a.OnStart(func(ctx context.Context) error { return svc.openAll(ctx, a) })

			return a.RunTask(cmd.Context(), func(ctx context.Context) error {
				out, err := svc.workflow.Run(ctx, in)
				if err != nil {
					return err
				}
				return writeReport(cmd.OutOrStdout(), newRunReport(out), flags.json)
			})
		},
	}
	cmd.Flags().Int64Var(&flags.teamID, "team", 0, "team whose models are run (required)")
	cmd.Flags().StringSliceVarP(&flags.selectors, "select", "s", []string{"*"}, "model selectors")
	cmd.Flags().StringVar(&flags.workflowID, "workflow-id", "", "workflow id recorded on jobs (generated when empty)")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print the run report as JSON")
	cmd.Flags().BoolVar(&flags.plan, "plan", false, "print the execution levels without running anything")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

// runReport is the printable result of one run.
type runReport struct {
	WorkflowID     string            `json:"workflow_id"`
	RunID          string            `json:"run_id"`
	Completed      []string          `json:"completed"`
	Failed         []string          `json:"failed"`
	AncestorFailed []string          `json:"ancestor_failed"`
	Errors         map[string]string `json:"errors,omitempty"`
	Tables         []string          `json:"tables"`
	DurationMS     int64             `json:"duration_ms"`
}

func newRunReport(out *workflow.Outcome) runReport {
	r := runReport{
		WorkflowID: out.WorkflowID,
		RunID:      out.RunID,
		Tables:     append([]string{}, out.Tables...),
		DurationMS: out.Duration.Milliseconds(),
	}
	sort.Strings(r.Tables)
	if res := out.Results; res != nil {
		r.Completed = res.Completed.Sorted()
		r.Failed = res.Failed.Sorted()
		r.AncestorFailed = res.AncestorFailed.Sorted()
		if len(res.Errors) > 0 {
			r.Errors = make(map[string]string, len(res.Errors))
			for label, err := range res.Errors {
				r.Errors[label] = err.Error()
			}
		}
	}
	return r
}

func writeReport(w io.Writer, r runReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(w, "workflow %s run %s finished in %dms\n", r.WorkflowID, r.RunID, r.DurationMS)
	fmt.Fprintf(w, "  completed:       %s\n", joinOrDash(r.Completed))
	fmt.Fprintf(w, "  failed:          %s\n", joinOrDash(r.Failed))
	fmt.Fprintf(w, "  ancestor failed: %s\n", joinOrDash(r.AncestorFailed))
	fmt.Fprintf(w, "  tables:          %s\n", joinOrDash(r.Tables))
	labels := make([]string, 0, len(r.Errors))
	for label := range r.Errors {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Fprintf(w, "  error %s: %s\n", label, r.Errors[label])
	}
	return nil
}

// writePlan prints d level by level. Nodes in one level have no edges
// between them; selected nodes are marked with "*".
func writePlan(w io.Writer, d dag.DAG) error {
	levels, err := dag.Levels(d)
	if err != nil {
		return err
	}
	selected := d.Selected()
	for i, level := range levels {
		labels := make([]string, len(level))
		for j, label := range level {
			if selected.Has(label) {
				label += "*"
			}
			labels[j] = label
		}
		fmt.Fprintf(w, "level %d: %s\n", i, strings.Join(labels, ", "))
	}
	return nil
}

func joinOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ", ")
}

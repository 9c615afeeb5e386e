package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-council/internal/coordinator"
	"github.com/basket/go-council/internal/router"
	"github.com/basket/go-council/internal/shared"
)

func newRunCmd() *cobra.Command {
	var (
		materialPath string
		priority     string
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Run one analysis request and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pr, err := router.ParsePriority(priority)
			if err != nil {
				return err
			}
			req := coordinator.Request{Query: strings.Join(args, " "), Priority: pr}
			if materialPath != "" {
				data, err := os.ReadFile(materialPath)
				if err != nil {
					return fmt.Errorf("read material: %w", err)
				}
				req.Material = string(data)
			}

			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{quiet: interactive(), runtime: true})
			if err != nil {
				return err
			}
			defer a.Close()
			stop := a.startRuntime(ctx)
			defer stop()

			ctx = shared.WithTraceID(ctx, shared.NewTraceID())
			report, runErr := a.orch.Run(ctx, req)
			if report == nil {
				return runErr
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}
			if n := a.audit.Escalations(); n > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d subtask(s) escalated for human review; see `council queue --human`\n", n)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&materialPath, "material", "", "File with the material to analyse")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Request priority: low, normal, high or urgent")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func printReport(w io.Writer, r *coordinator.Report) {
	status := string(r.Status)
	if r.Partial {
		status += " (partial)"
	}
	fmt.Fprintf(w, "Task %s: %s\n", r.TaskID, status)
	fmt.Fprintf(w, "Query: %s\n\n", r.Query)
	fmt.Fprintf(w, "%s\n", r.Summary.Text)
	for _, sec := range r.Sections {
		fmt.Fprintf(w, "\n## %s [%s, attempt %d]\n", sec.Agent, sec.Status, sec.Attempt)
		if sec.Empty {
			fmt.Fprintf(w, "  (no output: %s)\n", sec.Error)
			continue
		}
		if s, ok := sec.Output["summary"].(string); ok && s != "" {
			fmt.Fprintf(w, "  %s\n", s)
		}
		if c, ok := sec.Output["conclusion"].(string); ok && c != "" {
			fmt.Fprintf(w, "  Conclusion: %s\n", c)
		}
	}
	if len(r.ExceptionLog) > 0 {
		fmt.Fprintf(w, "\nExceptions:\n")
		for _, e := range r.ExceptionLog {
			fmt.Fprintf(w, "  %s %s %s -> %s", e.At.Format("15:04:05"), e.Agent, e.Category, e.Action)
			if e.Detail != "" {
				fmt.Fprintf(w, ": %s", e.Detail)
			}
			fmt.Fprintln(w)
		}
	}
	if len(r.Knowledge) > 0 {
		fmt.Fprintf(w, "\nKnowledge stored: %s\n", strings.Join(r.Knowledge, ", "))
	}
}

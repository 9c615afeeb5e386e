package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/go-council/internal/agent"
	"github.com/basket/go-council/internal/hitl"
	"github.com/basket/go-council/internal/persistence"
	"github.com/basket/go-council/internal/shared"
)

func newQueueCmd() *cobra.Command {
	var (
		status string
		limit  int
		human  bool
		tasks  bool
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show messages, agent mailboxes and pending human requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if human {
				pending, err := hitl.NewChannel(a.store, nil, a.logger).Pending(ctx)
				if err != nil {
					return err
				}
				printHumanRequests(out, pending)
				return nil
			}
			if tasks {
				rows, err := a.store.ListTasks(ctx, limit)
				if err != nil {
					return err
				}
				printTasks(out, rows)
				return nil
			}

			msgs, err := a.store.ListMessages(ctx, status, limit)
			if err != nil {
				return err
			}
			printMessages(out, msgs)

			roster, err := agent.ParseRoster(a.cfg.Orchestrator.Roster)
			if err != nil {
				return err
			}
			states, err := a.store.ListAgentStates(ctx)
			if err != nil {
				return err
			}
			byAgent := make(map[string]persistence.AgentStateRow, len(states))
			for _, s := range states {
				byAgent[s.Agent] = s
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tSTATUS\tUNREAD\tLAST HEARTBEAT")
			for _, name := range agent.Strings(roster) {
				unread, err := a.store.PeekMailbox(ctx, name)
				if err != nil {
					return err
				}
				st, beat := "unknown", "-"
				if s, ok := byAgent[name]; ok {
					st = s.Status
					beat = s.LastHeartbeat.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name, st, unread, beat)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "queued", "Message status filter (pending, queued, sent, failed; empty for all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.Flags().BoolVar(&human, "human", false, "List pending human-intervention requests instead")
	cmd.Flags().BoolVar(&tasks, "tasks", false, "List recent tasks instead")
	return cmd
}

func printMessages(w io.Writer, msgs []persistence.MessageRow) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFROM\tTO\tPRIORITY\tSTATUS\tCREATED\tERROR")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", m.ID, m.From, m.To, m.Priority, m.Status,
			m.CreatedAt.Local().Format("15:04:05"), shared.Redact(m.Error))
	}
	_ = tw.Flush()
}

func printHumanRequests(w io.Writer, reqs []persistence.HumanRequestRow) {
	if len(reqs) == 0 {
		fmt.Fprintln(w, "No pending human requests")
		return
	}
	for _, r := range reqs {
		fmt.Fprintf(w, "%s [%s] task=%s subtask=%s at %s\n  %s\n", r.ID, r.Priority, r.TaskID, r.SubTaskID,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Context)
	}
}

func printTasks(w io.Writer, rows []persistence.TaskRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tCREATED\tQUERY")
	for _, t := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.CreatedAt.Local().Format("2006-01-02 15:04"), t.Query)
	}
	_ = tw.Flush()
}

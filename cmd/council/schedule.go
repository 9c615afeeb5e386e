package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-council/internal/cron"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring analysis requests",
	}
	cmd.AddCommand(newScheduleAddCmd(), newScheduleListCmd(), newScheduleEnableCmd(true), newScheduleEnableCmd(false), newScheduleRemoveCmd())
	return cmd
}

func newScheduleAddCmd() *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "add <name> <cron-expr> <query>",
		Short: "Add a schedule (5-field cron expression, e.g. \"0 9 * * 1\")",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			sched := cron.NewScheduler(cron.Config{Store: a.store, Logger: a.logger})
			id, err := sched.Add(ctx, args[0], args[1], strings.Join(args[2:], " "), priority)
			if err != nil {
				return err
			}
			next, _ := cron.NextRunTime(args[1], time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "added schedule %s (%s), next run %s\n", args[0], id, next.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "normal", "Request priority: low, normal, high or urgent")
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			all, err := a.store.ListSchedules(ctx)
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No schedules")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCRON\tPRIORITY\tENABLED\tNEXT RUN\tQUERY")
			for _, s := range all {
				next := "-"
				if s.NextRunAt != nil {
					next = s.NextRunAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n", s.ID, s.Name, s.CronExpr, s.Priority, s.Enabled, next, s.Query)
			}
			return tw.Flush()
		},
	}
}

func newScheduleEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a schedule"
	if !enable {
		use, short = "disable <id>", "Disable a schedule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.EnableSchedule(ctx, args[0], enable)
		},
	}
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.DeleteSchedule(ctx, args[0])
		},
	}
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/types"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled tasks",
}

var cronAddCmd = &cobra.Command{
	Use:   "add PROJECT NAME SCHEDULE COMMAND",
	Short: "Register a scheduled task backed by a systemd timer",
	Long: `Register a scheduled task. SCHEDULE is a five-field cron expression.

Examples:
  hostkit cron add shop nightly-report "0 2 * * *" "python manage.py report"
  hostkit cron add shop cleanup "*/15 * * * *" "python manage.py cleanup" --description "expire stale carts"`,
	Args: cobra.ExactArgs(4),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		task := &types.ScheduledTask{
			Project:     args[0],
			Name:        args[1],
			Schedule:    args[2],
			Command:     args[3],
			Description: description,
			Enabled:     true,
		}
		if err := a.schedule.Add(ctx, task); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Scheduled task %s/%s added (%s)", task.Project, task.Name, task.Schedule), task)
		return nil
	}),
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove PROJECT NAME",
	Short: "Remove a scheduled task and its timer",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.schedule.Remove(ctx, args[0], args[1]); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Scheduled task %s/%s removed", args[0], args[1]), nil)
		return nil
	}),
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable PROJECT NAME",
	Short: "Enable a scheduled task's timer",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.schedule.Enable(ctx, args[0], args[1]); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Scheduled task %s/%s enabled", args[0], args[1]), nil)
		return nil
	}),
}

var cronDisableCmd = &cobra.Command{
	Use:   "disable PROJECT NAME",
	Short: "Disable a scheduled task's timer",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.schedule.Disable(ctx, args[0], args[1]); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Scheduled task %s/%s disabled", args[0], args[1]), nil)
		return nil
	}),
}

var cronRunCmd = &cobra.Command{
	Use:   "run PROJECT NAME",
	Short: "Run a scheduled task immediately and record the outcome",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		res, err := a.schedule.RunNow(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("task %s", res.Status), res)
			return nil
		}
		if res.Status == "success" {
			fmt.Printf("✓ Task %s/%s succeeded in %s\n", args[0], args[1], res.Duration.Round(time.Millisecond))
		} else {
			fmt.Printf("✗ Task %s/%s failed (exit %d) after %s\n", args[0], args[1], res.ExitCode, res.Duration.Round(time.Millisecond))
		}
		if res.Output != "" {
			fmt.Print(res.Output)
		}
		return nil
	}),
}

var cronListCmd = &cobra.Command{
	Use:   "list PROJECT",
	Short: "List a project's scheduled tasks",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		tasks, err := a.schedule.List(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("%d tasks", len(tasks)), tasks)
			return nil
		}
		fmt.Printf("%-20s %-16s %-8s %-10s %-20s %s\n", "NAME", "SCHEDULE", "ENABLED", "LAST RUN", "NEXT RUN", "COMMAND")
		for _, t := range tasks {
			lastRun := "-"
			if t.LastRunStatus != nil {
				lastRun = *t.LastRunStatus
			}
			nextRun := "-"
			if t.Enabled {
				if next, err := a.schedule.NextRun(ctx, t.Project, t.Name); err == nil {
					nextRun = next.Format("2006-01-02 15:04")
				}
			}
			fmt.Printf("%-20s %-16s %-8v %-10s %-20s %s\n", t.Name, t.Schedule, t.Enabled, lastRun, nextRun, t.Command)
		}
		return nil
	}),
}

func init() {
	cronAddCmd.Flags().String("description", "", "Human-readable task description")

	cronCmd.AddCommand(cronAddCmd)
	cronCmd.AddCommand(cronRemoveCmd)
	cronCmd.AddCommand(cronEnableCmd)
	cronCmd.AddCommand(cronDisableCmd)
	cronCmd.AddCommand(cronRunCmd)
	cronCmd.AddCommand(cronListCmd)

	rootCmd.AddCommand(cronCmd)
}

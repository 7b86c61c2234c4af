package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage background task workers",
}

var workerAddCmd = &cobra.Command{
	Use:   "add PROJECT NAME",
	Short: "Add a worker and start its unit",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		queues, _ := cmd.Flags().GetString("queues")
		appModule, _ := cmd.Flags().GetString("app-module")
		logLevel, _ := cmd.Flags().GetString("loglevel")

		w := &types.Worker{
			Project:     args[0],
			Name:        args[1],
			Concurrency: concurrency,
			Queues:      queues,
			AppModule:   appModule,
			LogLevel:    logLevel,
		}
		if err := a.workers.Add(ctx, w); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Worker %s/%s started (concurrency %d)", w.Project, w.Name, w.Concurrency), w)
		return nil
	}),
}

var workerScaleCmd = &cobra.Command{
	Use:   "scale PROJECT NAME CONCURRENCY",
	Short: "Change a worker's concurrency and restart it",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return usageError{fmt.Errorf("concurrency must be a number: %q", args[2])}
		}
		if err := a.workers.Scale(ctx, args[0], args[1], n); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Worker %s/%s scaled to %d", args[0], args[1], n), nil)
		return nil
	}),
}

var workerRemoveCmd = &cobra.Command{
	Use:   "remove PROJECT NAME",
	Short: "Stop a worker and remove its unit and row",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.workers.Remove(ctx, args[0], args[1]); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Worker %s/%s removed", args[0], args[1]), nil)
		return nil
	}),
}

var workerRestartCmd = &cobra.Command{
	Use:   "restart PROJECT [NAME]",
	Short: "Restart one worker, or all enabled workers",
	Args:  cobra.RangeArgs(1, 2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			if err := a.workers.Restart(ctx, args[0], args[1]); err != nil {
				return err
			}
			printResult(fmt.Sprintf("✓ Worker %s/%s restarted", args[0], args[1]), nil)
			return nil
		}
		restarted, err := a.workers.RestartAll(ctx, args[0])
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Restarted %d workers: %s", len(restarted), strings.Join(restarted, ", ")), restarted)
		return nil
	}),
}

var workerListCmd = &cobra.Command{
	Use:   "list PROJECT",
	Short: "List a project's workers with live state",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		workers, err := a.workers.List(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("%d workers", len(workers)), workers)
			return nil
		}
		fmt.Printf("%-16s %-12s %-8s %-20s %s\n", "NAME", "CONCURRENCY", "ACTIVE", "QUEUES", "PID")
		for _, w := range workers {
			st, err := a.workers.StatusOf(ctx, args[0], w.Name)
			active, pid := false, 0
			if err == nil {
				active, pid = st.Active, st.PID
			}
			queues := w.Queues
			if queues == "" {
				queues = "(default)"
			}
			fmt.Printf("%-16s %-12d %-8v %-20s %d\n", w.Name, w.Concurrency, active, queues, pid)
		}
		return nil
	}),
}

var workerBeatCmd = &cobra.Command{
	Use:   "beat PROJECT [enable|disable|status]",
	Short: "Manage the periodic-task scheduler process",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		project := args[0]
		switch args[1] {
		case "enable":
			appModule, _ := cmd.Flags().GetString("app-module")
			if err := a.workers.EnableBeat(ctx, project, appModule); err != nil {
				return err
			}
			printResult(fmt.Sprintf("✓ Beat enabled for %s", project), nil)
		case "disable":
			if err := a.workers.DisableBeat(ctx, project); err != nil {
				return err
			}
			printResult(fmt.Sprintf("✓ Beat disabled for %s", project), nil)
		case "status":
			enabled, active, err := a.workers.BeatStatus(ctx, project)
			if err != nil {
				return err
			}
			printResult(fmt.Sprintf("Beat: enabled=%v active=%v", enabled, active),
				map[string]bool{"enabled": enabled, "active": active})
		default:
			return usageError{fmt.Errorf("unknown beat action %q", args[1])}
		}
		return nil
	}),
}

func init() {
	workerAddCmd.Flags().Int("concurrency", 0, "Worker processes (default 2)")
	workerAddCmd.Flags().String("queues", "", "Comma-separated queue names")
	workerAddCmd.Flags().String("app-module", "", "Application module for the worker command")
	workerAddCmd.Flags().String("loglevel", "", "Worker log level (default info)")
	workerBeatCmd.Flags().String("app-module", "", "Application module (inferred from workers when empty)")

	workerCmd.AddCommand(workerAddCmd)
	workerCmd.AddCommand(workerScaleCmd)
	workerCmd.AddCommand(workerRemoveCmd)
	workerCmd.AddCommand(workerRestartCmd)
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerBeatCmd)

	rootCmd.AddCommand(workerCmd)
}

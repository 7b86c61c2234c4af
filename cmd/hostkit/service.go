package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/health"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Control a project's main service",
}

func setServiceState(ctx context.Context, a *app, project string, op string) error {
	if _, err := a.store.GetProject(project); err != nil {
		return err
	}
	unit := types.ServiceApp.UnitName(project, "")
	var err error
	var status types.ProjectStatus
	switch op {
	case "start":
		err, status = a.client.Start(ctx, unit), types.ProjectRunning
	case "stop":
		err, status = a.client.Stop(ctx, unit), types.ProjectStopped
	case "restart":
		err, status = a.client.Restart(ctx, unit), types.ProjectRunning
	}
	if err != nil {
		return types.Wrap(types.ErrServiceStartFailed, err, "%s %s", op, unit)
	}
	return a.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.UpdateProjectStatusTx(tx, project, status); err != nil {
			return err
		}
		return a.journal.EmitTx(tx, project, types.CategoryService, "service."+op+"ed",
			fmt.Sprintf("main service %s", op), types.LevelInfo, nil)
	})
}

var serviceStartCmd = &cobra.Command{
	Use:   "start PROJECT",
	Short: "Start the main service",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := setServiceState(ctx, a, args[0], "start"); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ %s started", args[0]), nil)
		return nil
	}),
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop PROJECT",
	Short: "Stop the main service",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := setServiceState(ctx, a, args[0], "stop"); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ %s stopped", args[0]), nil)
		return nil
	}),
}

var serviceRestartCmd = &cobra.Command{
	Use:   "restart PROJECT",
	Short: "Restart the main service",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := setServiceState(ctx, a, args[0], "restart"); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ %s restarted", args[0]), nil)
		return nil
	}),
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status PROJECT",
	Short: "Show unit state, PID and memory for the main service",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		project := args[0]
		if _, err := a.store.GetProject(project); err != nil {
			return err
		}
		unit := types.ServiceApp.UnitName(project, "")
		active, _ := a.client.IsActive(ctx, unit)
		enabled, _ := a.client.IsEnabled(ctx, unit)

		report, err := a.health.Check(ctx, project, health.Options{})
		if err != nil {
			return err
		}
		status := map[string]any{
			"unit":    unit,
			"active":  active,
			"enabled": enabled,
			"pid":     report.Process.PID,
			"rss":     report.Process.RSSBytes,
			"state":   report.State,
		}
		if flagJSON {
			printResult(string(report.State), status)
			return nil
		}
		fmt.Printf("Unit:    %s\n", unit)
		fmt.Printf("Active:  %v (enabled: %v)\n", active, enabled)
		if report.Process.Running {
			fmt.Printf("PID:     %d\n", report.Process.PID)
			fmt.Printf("Memory:  %.1f MB rss\n", float64(report.Process.RSSBytes)/(1024*1024))
			fmt.Printf("CPU:     %.1f%%\n", report.Process.CPUPercent)
		}
		fmt.Printf("Health:  %s\n", report.State)
		return nil
	}),
}

var serviceLogsCmd = &cobra.Command{
	Use:   "logs PROJECT",
	Short: "Show recent service logs",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		project := args[0]
		if _, err := a.store.GetProject(project); err != nil {
			return err
		}
		lines, _ := cmd.Flags().GetInt("lines")
		errOnly, _ := cmd.Flags().GetBool("errors")
		since, _ := cmd.Flags().GetString("since")
		follow, _ := cmd.Flags().GetBool("follow")

		unit := types.ServiceApp.UnitName(project, "")
		opts := systemd.LogOptions{Lines: lines, ErrorOnly: errOnly, Since: since}

		if follow {
			stream, err := systemd.FollowLogs(ctx, a.runner, unit, opts)
			if err != nil {
				return err
			}
			defer stream.Close()
			_, err = io.Copy(os.Stdout, stream.Stdout)
			return err
		}
		out, err := systemd.Logs(ctx, a.runner, unit, opts)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}),
}

func init() {
	serviceLogsCmd.Flags().Int("lines", 50, "Tail length")
	serviceLogsCmd.Flags().Bool("errors", false, "Only err-and-worse priority")
	serviceLogsCmd.Flags().String("since", "", "Time reference, e.g. \"1 hour ago\"")
	serviceLogsCmd.Flags().BoolP("follow", "f", false, "Stream new entries")

	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceRestartCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
	serviceCmd.AddCommand(serviceLogsCmd)

	rootCmd.AddCommand(serviceCmd)
}

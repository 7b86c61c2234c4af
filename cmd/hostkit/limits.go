package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Manage per-project resource limits",
}

// intFlagPtr returns a pointer only when the flag was set on the command
// line, so unset axes stay unlimited.
func intFlagPtr(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt(name)
	return &v
}

var limitsSetCmd = &cobra.Command{
	Use:   "set PROJECT",
	Short: "Store resource limits for a project",
	Long: `Store cgroup resource limits. Limits are recorded immediately but only
take effect after "hostkit limits apply".

Examples:
  hostkit limits set shop --memory-max 512 --cpu 80
  hostkit limits set shop --memory-max 1024 --memory-high 768 --tasks 200`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if _, err := a.store.GetProject(args[0]); err != nil {
			return err
		}
		l := &types.ResourceLimits{
			Project:         args[0],
			CPUQuotaPercent: intFlagPtr(cmd, "cpu"),
			MemoryMaxMB:     intFlagPtr(cmd, "memory-max"),
			MemoryHighMB:    intFlagPtr(cmd, "memory-high"),
			TasksMax:        intFlagPtr(cmd, "tasks"),
			DiskQuotaMB:     intFlagPtr(cmd, "disk"),
			Enabled:         true,
		}
		err := a.store.Transaction(func(tx *sqlx.Tx) error {
			return store.UpsertResourceLimitsTx(tx, l)
		})
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Limits stored for %s (run: hostkit limits apply %s)", args[0], args[0]), l)
		return nil
	}),
}

var limitsShowCmd = &cobra.Command{
	Use:   "show PROJECT",
	Short: "Show a project's resource limits",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		l, err := a.store.ResourceLimits(args[0])
		if err != nil {
			return err
		}
		if l == nil {
			printResult(fmt.Sprintf("No limits configured for %s", args[0]), nil)
			return nil
		}
		if flagJSON {
			printResult("limits", l)
			return nil
		}
		show := func(name string, v *int, unit string) {
			if v != nil {
				fmt.Printf("  %-14s %d%s\n", name, *v, unit)
			}
		}
		fmt.Printf("Limits for %s (enabled=%v):\n", args[0], l.Enabled)
		show("CPU quota", l.CPUQuotaPercent, "%")
		show("Memory max", l.MemoryMaxMB, " MB")
		show("Memory high", l.MemoryHighMB, " MB")
		show("Tasks max", l.TasksMax, "")
		show("Disk quota", l.DiskQuotaMB, " MB")
		return nil
	}),
}

var limitsClearCmd = &cobra.Command{
	Use:   "clear PROJECT",
	Short: "Remove a project's resource limits",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		err := a.store.Transaction(func(tx *sqlx.Tx) error {
			return store.DeleteResourceLimitsTx(tx, args[0])
		})
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Limits cleared for %s (run: hostkit limits apply %s)", args[0], args[0]), nil)
		return nil
	}),
}

var limitsApplyCmd = &cobra.Command{
	Use:   "apply PROJECT",
	Short: "Rewrite the app unit with the stored limits and restart it",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		p, err := a.store.GetProject(args[0])
		if err != nil {
			return err
		}
		limits, err := a.store.ResourceLimits(p.Name)
		if err != nil {
			return err
		}
		layout := fsops.Layout{
			Project:    p.Name,
			HomeRoot:   a.cfg.HomeRoot,
			BackupRoot: a.cfg.BackupRoot,
			LogRoot:    a.cfg.LogRoot,
		}
		if err := a.units.WriteAppUnit(p, &layout, limits); err != nil {
			return err
		}
		if err := a.client.DaemonReload(ctx); err != nil {
			return types.Wrap(types.ErrSystemd, err, "reload systemd")
		}
		unit := types.ServiceApp.UnitName(p.Name, "")
		if err := a.client.Restart(ctx, unit); err != nil {
			return types.Wrap(types.ErrServiceStartFailed, err, "restart %s", unit)
		}
		printResult(fmt.Sprintf("✓ Limits applied to %s", p.Name), limits)
		return nil
	}),
}

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Manage deploy rate limiting and auto-pause",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show PROJECT",
	Short: "Show the effective rate-limit and auto-pause configuration",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if _, err := a.store.GetProject(args[0]); err != nil {
			return err
		}
		rl, err := a.limiter.Config(args[0])
		if err != nil {
			return err
		}
		ap, err := a.store.AutoPauseConfig(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			printResult("rate limit configuration", map[string]any{
				"rate_limit": rl,
				"auto_pause": ap,
			})
			return nil
		}
		if rl.MaxDeploys == 0 {
			fmt.Printf("Rate limiting disabled for %s\n", args[0])
		} else {
			fmt.Printf("Rate limit for %s:\n", args[0])
			fmt.Printf("  Max deploys      %d per %d min\n", rl.MaxDeploys, rl.WindowMinutes)
			fmt.Printf("  Failure cooldown %d min\n", rl.FailureCooldownMinutes)
			fmt.Printf("  Failure limit    %d consecutive\n", rl.ConsecutiveFailureLimit)
		}
		if ap != nil && ap.Paused {
			reason := ""
			if ap.PausedReason != nil {
				reason = *ap.PausedReason
			}
			fmt.Printf("  PAUSED: %s\n", reason)
		}
		return nil
	}),
}

var ratelimitSetCmd = &cobra.Command{
	Use:   "set PROJECT",
	Short: "Override rate-limit settings for a project",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if _, err := a.store.GetProject(args[0]); err != nil {
			return err
		}
		current, err := a.limiter.Config(args[0])
		if err != nil {
			return err
		}
		c := *current
		c.Project = args[0]
		if cmd.Flags().Changed("max-deploys") {
			c.MaxDeploys, _ = cmd.Flags().GetInt("max-deploys")
		}
		if cmd.Flags().Changed("window") {
			c.WindowMinutes, _ = cmd.Flags().GetInt("window")
		}
		if cmd.Flags().Changed("cooldown") {
			c.FailureCooldownMinutes, _ = cmd.Flags().GetInt("cooldown")
		}
		if cmd.Flags().Changed("failure-limit") {
			c.ConsecutiveFailureLimit, _ = cmd.Flags().GetInt("failure-limit")
		}
		if err := a.limiter.SetConfig(&c); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Rate limit updated for %s", args[0]), &c)
		return nil
	}),
}

var autopauseCmd = &cobra.Command{
	Use:   "autopause PROJECT [on|off]",
	Short: "Enable or disable the failure-burst circuit breaker",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if _, err := a.store.GetProject(args[0]); err != nil {
			return err
		}
		var enabled bool
		switch args[1] {
		case "on":
			enabled = true
		case "off":
			enabled = false
		default:
			return usageError{fmt.Errorf("expected on or off, got %q", args[1])}
		}
		threshold, _ := cmd.Flags().GetInt("threshold")
		window, _ := cmd.Flags().GetInt("window")
		c := &types.AutoPauseConfig{
			Project:          args[0],
			Enabled:          enabled,
			FailureThreshold: threshold,
			WindowMinutes:    window,
		}
		if err := a.autopause.SetConfig(c); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Auto-pause %s for %s", map[bool]string{true: "enabled", false: "disabled"}[enabled], args[0]), c)
		return nil
	}),
}

func init() {
	limitsSetCmd.Flags().Int("cpu", 0, "CPU quota as a percentage of one core")
	limitsSetCmd.Flags().Int("memory-max", 0, "Hard memory ceiling in MB")
	limitsSetCmd.Flags().Int("memory-high", 0, "Soft memory pressure threshold in MB")
	limitsSetCmd.Flags().Int("tasks", 0, "Maximum number of tasks")
	limitsSetCmd.Flags().Int("disk", 0, "Disk quota in MB")

	ratelimitSetCmd.Flags().Int("max-deploys", 0, "Deploys allowed per window (0 disables)")
	ratelimitSetCmd.Flags().Int("window", 0, "Window length in minutes")
	ratelimitSetCmd.Flags().Int("cooldown", 0, "Cooldown after a failed deploy in minutes")
	ratelimitSetCmd.Flags().Int("failure-limit", 0, "Consecutive failures before deploys block")

	autopauseCmd.Flags().Int("threshold", 3, "Failures inside the window that trigger a pause")
	autopauseCmd.Flags().Int("window", 10, "Failure window in minutes")

	limitsCmd.AddCommand(limitsSetCmd)
	limitsCmd.AddCommand(limitsShowCmd)
	limitsCmd.AddCommand(limitsClearCmd)
	limitsCmd.AddCommand(limitsApplyCmd)

	ratelimitCmd.AddCommand(ratelimitShowCmd)
	ratelimitCmd.AddCommand(ratelimitSetCmd)

	rootCmd.AddCommand(limitsCmd)
	rootCmd.AddCommand(ratelimitCmd)
	rootCmd.AddCommand(autopauseCmd)
}

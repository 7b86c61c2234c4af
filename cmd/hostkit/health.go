package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/health"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
)

var healthCmd = &cobra.Command{
	Use:   "health PROJECT",
	Short: "Probe a project's process, HTTP endpoint, database, and auth sidecar",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("endpoint")
		expect, _ := cmd.Flags().GetString("expect")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		retries, _ := cmd.Flags().GetInt("retries")

		opts := health.Options{Endpoint: endpoint, Timeout: timeout, ExpectedContent: expect}
		var report *health.Report
		var err error
		if retries > 1 {
			report, err = a.health.CheckWithRetry(ctx, args[0], opts, retries, 2*time.Second)
		} else {
			report, err = a.health.Check(ctx, args[0], opts)
		}
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("health %s", report.State), report)
			return nil
		}
		printHealthReport(report)
		return nil
	}),
}

func printHealthReport(r *health.Report) {
	fmt.Printf("Health for %s: %s\n", r.Project, r.State)
	fmt.Printf("  Process    running=%v pid=%d rss=%dMB cpu=%.1f%%\n",
		r.Process.Running, r.Process.PID, r.Process.RSSBytes/(1024*1024), r.Process.CPUPercent)
	if r.HTTP.Best != nil {
		b := r.HTTP.Best
		fmt.Printf("  HTTP       %s -> %d in %s\n", b.Path, b.Status, b.Latency.Round(time.Millisecond))
	} else {
		fmt.Printf("  HTTP       no response\n")
	}
	if r.DB.Attempted {
		fmt.Printf("  Database   ok=%v latency=%s\n", r.DB.OK, r.DB.Latency.Round(time.Millisecond))
	}
	if r.Auth.Enabled {
		fmt.Printf("  Auth       active=%v\n", r.Auth.Active)
	}
	for _, reason := range r.Reasons {
		fmt.Printf("  ! %s\n", reason)
	}
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose PROJECT",
	Short: "Match recent logs against known failure patterns",
	Long: `Read the recent journal and application logs, match them against a table
of known failure signatures, and print findings with suggested remedies.

With --startup-test the project entrypoint is also run in the foreground
for a bounded time, which surfaces crashes that systemd reduces to an
exit code.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		d, err := a.health.Diagnose(ctx, a.runner, args[0])
		if err != nil {
			return err
		}

		var startup *health.StartupTestResult
		if runStartup, _ := cmd.Flags().GetBool("startup-test"); runStartup {
			p, err := a.store.GetProject(args[0])
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			l := fsops.Layout{
				Project:    p.Name,
				HomeRoot:   a.cfg.HomeRoot,
				BackupRoot: a.cfg.BackupRoot,
				LogRoot:    a.cfg.LogRoot,
			}
			command := systemd.AppStartCommand(p.Runtime, l.Home(), p.Port)
			startup, err = a.health.StartupTest(ctx, a.runner, p.Name, command, l.AppLink(), timeout)
			if err != nil {
				return err
			}
		}

		if flagJSON {
			printResult(fmt.Sprintf("%d findings", len(d.Findings)), map[string]any{
				"diagnosis":    d,
				"startup_test": startup,
			})
			return nil
		}
		if len(d.Findings) == 0 {
			fmt.Printf("✓ No known failure patterns found for %s\n", args[0])
		}
		for _, f := range d.Findings {
			fmt.Printf("[%s] %s\n", strings.ToUpper(f.Severity.String()), f.Pattern)
			for _, ev := range f.Evidence {
				fmt.Printf("    %s\n", ev)
			}
			fmt.Printf("    remedy: %s\n", f.Remedy)
		}
		if startup != nil {
			if startup.TimedOut {
				fmt.Printf("Startup test: process still running at timeout (healthy start)\n")
			} else {
				fmt.Printf("Startup test: exited with code %d\n", startup.ExitCode)
			}
			for _, f := range startup.Findings {
				fmt.Printf("    [%s] %s: %s\n", strings.ToUpper(f.Severity.String()), f.Pattern, f.Remedy)
			}
		}
		if d.Health != nil {
			printHealthReport(d.Health)
		}
		return nil
	}),
}

var eventsCmd = &cobra.Command{
	Use:   "events [PROJECT]",
	Short: "Query the event journal",
	Long: `Query the append-only event journal, newest first.

Examples:
  hostkit events shop --since 1h
  hostkit events --category deploy --level ERROR --since "2 days ago"`,
	Args: cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		eventType, _ := cmd.Flags().GetString("type")
		level, _ := cmd.Flags().GetString("level")
		since, _ := cmd.Flags().GetString("since")
		until, _ := cmd.Flags().GetString("until")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		opts := journal.QueryOptions{
			Category:  types.EventCategory(category),
			EventType: eventType,
			Level:     types.EventLevel(strings.ToUpper(level)),
			Since:     since,
			Until:     until,
			Limit:     limit,
			Offset:    offset,
		}
		if len(args) == 1 {
			opts.Project = args[0]
		}
		events, err := a.journal.Query(opts)
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("%d events", len(events)), events)
			return nil
		}
		for _, e := range events {
			fmt.Printf("%s %-8s %-10s %-24s %s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Level, e.Category, e.EventType, e.Message)
		}
		return nil
	}),
}

var eventsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete journal rows older than the retention window",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		n, err := a.journal.Cleanup(days)
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Removed %d events older than %d days", n, days), map[string]int64{"deleted": n})
		return nil
	}),
}

func init() {
	healthCmd.Flags().String("endpoint", "", "Health endpoint path (default /health)")
	healthCmd.Flags().String("expect", "", "Require this substring in the response body")
	healthCmd.Flags().Duration("timeout", 0, "Per-probe timeout")
	healthCmd.Flags().Int("retries", 1, "Attempts before reporting the last result")

	diagnoseCmd.Flags().Bool("startup-test", false, "Also run the entrypoint in the foreground")
	diagnoseCmd.Flags().Duration("timeout", 15*time.Second, "Startup test timeout")

	eventsCmd.Flags().String("category", "", "Filter by category (deploy, health, service, ...)")
	eventsCmd.Flags().String("type", "", "Filter by event type")
	eventsCmd.Flags().String("level", "", "Minimum level (DEBUG, INFO, WARNING, ERROR, CRITICAL)")
	eventsCmd.Flags().String("since", "", "Only events after this time (ISO or relative like 1h)")
	eventsCmd.Flags().String("until", "", "Only events before this time")
	eventsCmd.Flags().Int("limit", 50, "Maximum rows returned")
	eventsCmd.Flags().Int("offset", 0, "Rows to skip")
	eventsCleanupCmd.Flags().Int("days", 90, "Retention window in days")

	eventsCmd.AddCommand(eventsCleanupCmd)

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(eventsCmd)
}

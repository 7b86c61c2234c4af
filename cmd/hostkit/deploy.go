package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/deploy"
)

var deployCmd = &cobra.Command{
	Use:   "deploy PROJECT",
	Short: "Deploy a new release",
	Long: `Deploy creates a timestamped release, syncs source into it, runs the
build and install steps, switches the app symlink atomically, restarts
the service and verifies health.

Examples:
  # Deploy from a local directory
  hostkit deploy shopapi --path /srv/src/shopapi

  # Deploy a git ref with build and dependency install
  hostkit deploy shopapi --git https://github.com/acme/shopapi.git --ref v2.1.0 --build --install`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		gitURL, _ := cmd.Flags().GetString("git")
		gitRef, _ := cmd.Flags().GetString("ref")
		build, _ := cmd.Flags().GetBool("build")
		install, _ := cmd.Flags().GetBool("install")
		secrets, _ := cmd.Flags().GetBool("secrets")
		noRestart, _ := cmd.Flags().GetBool("no-restart")
		force, _ := cmd.Flags().GetBool("force")
		environment, _ := cmd.Flags().GetString("environment")

		if (path == "") == (gitURL == "") {
			return usageError{fmt.Errorf("exactly one of --path or --git is required")}
		}
		opts := deploy.Options{
			SourcePath:        path,
			GitURL:            gitURL,
			GitRef:            gitRef,
			Build:             build,
			InstallDeps:       install,
			InjectSecrets:     secrets,
			Restart:           !noRestart,
			OverrideRateLimit: force,
			Environment:       environment,
		}
		if path != "" {
			opts.SourceKind = deploy.SourceLocal
		} else {
			opts.SourceKind = deploy.SourceGit
		}

		res, err := a.pipeline.Deploy(ctx, args[0], opts)
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("deployed %s", res.Release), res)
			return nil
		}
		fmt.Printf("✓ Release %s deployed (%d files, %s)\n", res.Release, res.FilesSynced, res.Duration.Round(time.Millisecond))
		if res.CheckpointID != nil {
			fmt.Printf("  Pre-deploy checkpoint: %d\n", *res.CheckpointID)
		}
		fmt.Printf("  Health: %s\n", res.Health)
		for _, w := range res.Warnings {
			fmt.Printf("  Warning: %s\n", w)
		}
		return nil
	}),
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback PROJECT",
	Short: "Switch back to a previous release",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		full, _ := cmd.Flags().GetBool("full")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		res, err := a.pipeline.Rollback(ctx, args[0], deploy.RollbackOptions{
			To: to, Full: full, DryRun: dryRun,
		})
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("rollback to %s", res.Target), res)
			return nil
		}
		verb := "Rolled back"
		if res.DryRun {
			verb = "Would roll back"
		}
		fmt.Printf("%s to %s\n", verb, res.Target)
		for _, s := range res.Steps {
			switch {
			case s.Err != nil:
				fmt.Printf("✗ %-20s %v\n", s.Step, s.Err)
			case s.Skipped != "":
				fmt.Printf("- %-20s skipped: %s\n", s.Step, s.Skipped)
			default:
				fmt.Printf("✓ %s\n", s.Step)
			}
		}
		if !res.DryRun {
			fmt.Printf("Health: %s\n", res.Health)
		}
		return nil
	}),
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Manage releases",
}

var releaseListCmd = &cobra.Command{
	Use:   "list PROJECT",
	Short: "List releases, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		releases, err := a.releases.List(args[0], limit)
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("%d releases", len(releases)), releases)
			return nil
		}
		for _, r := range releases {
			marker := " "
			if r.IsCurrent {
				marker = "*"
			}
			cp := "-"
			if r.CheckpointID != nil {
				cp = fmt.Sprintf("%d", *r.CheckpointID)
			}
			fmt.Printf("%s %s  %s  files=%d  checkpoint=%s  by %s\n",
				marker, r.ReleaseName, r.DeployedAt.Format("2006-01-02 15:04:05"),
				r.FilesSynced, cp, r.DeployedBy)
		}
		return nil
	}),
}

var releaseCleanupCmd = &cobra.Command{
	Use:   "cleanup PROJECT",
	Short: "Remove releases beyond the retention count",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		res, err := a.releases.Cleanup(ctx, args[0])
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Removed %d releases", len(res.Removed)), res)
		for name, err := range res.Errors {
			fmt.Printf("  failed to remove %s: %v\n", name, err)
		}
		return nil
	}),
}

var releaseMigrateCmd = &cobra.Command{
	Use:   "migrate-to-releases PROJECT",
	Short: "Convert a legacy flat app directory into the release layout",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		rel, err := a.releases.MigrateToReleases(ctx, args[0])
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Migrated to release %s", rel.ReleaseName), rel)
		return nil
	}),
}

func init() {
	deployCmd.Flags().String("path", "", "Local source directory")
	deployCmd.Flags().String("git", "", "Git repository URL")
	deployCmd.Flags().String("ref", "", "Git branch, tag or commit")
	deployCmd.Flags().Bool("build", false, "Run the runtime build step")
	deployCmd.Flags().Bool("install", false, "Install dependencies into the release")
	deployCmd.Flags().Bool("secrets", false, "Inject vault secrets into the env file")
	deployCmd.Flags().Bool("no-restart", false, "Switch the release without restarting the service")
	deployCmd.Flags().Bool("force", false, "Override the deploy rate limit")
	deployCmd.Flags().String("environment", "", "Environment label recorded on the deploy")

	rollbackCmd.Flags().String("to", "", "Target release name (default: the previous release)")
	rollbackCmd.Flags().Bool("full", false, "Also restore the checkpoint and env snapshot")
	rollbackCmd.Flags().Bool("dry-run", false, "Report what would happen without side effects")

	releaseListCmd.Flags().Int("limit", 0, "Maximum rows (0 = all)")

	releaseCmd.AddCommand(releaseListCmd)
	releaseCmd.AddCommand(releaseCleanupCmd)
	releaseCmd.AddCommand(releaseMigrateCmd)

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(releaseCmd)
}

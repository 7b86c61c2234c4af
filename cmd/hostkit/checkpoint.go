package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/checkpoint"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage database checkpoints",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create PROJECT",
	Short: "Dump the project database into a compressed checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		cp, err := a.checkp.Create(ctx, args[0], checkpoint.CreateOptions{
			Label:         label,
			TriggerSource: "cli",
		})
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Checkpoint %d created (%s, %d bytes)", cp.ID, cp.BackupPath, cp.SizeBytes), cp)
		return nil
	}),
}

var checkpointListCmd = &cobra.Command{
	Use:   "list PROJECT",
	Short: "List checkpoints, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		cps, err := a.checkp.List(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("%d checkpoints", len(cps)), cps)
			return nil
		}
		for _, cp := range cps {
			label := "-"
			if cp.Label != nil {
				label = *cp.Label
			}
			expires := "never"
			if cp.ExpiresAt != nil {
				expires = cp.ExpiresAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%-6d %-12s %-20s %10d bytes  created %s  expires %s\n",
				cp.ID, cp.Type, label, cp.SizeBytes,
				cp.CreatedAt.Format("2006-01-02 15:04"), expires)
		}
		return nil
	}),
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore PROJECT ID",
	Short: "Restore the database from a checkpoint",
	Long: `Restore drops and recreates the project database, then loads the
checkpoint dump into it. A pre-restore checkpoint is taken first unless
--no-safety is given.`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return usageError{fmt.Errorf("checkpoint id must be a number: %q", args[1])}
		}
		noSafety, _ := cmd.Flags().GetBool("no-safety")
		if err := a.checkp.Restore(ctx, args[0], id, !noSafety); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Restored checkpoint %d", id), nil)
		return nil
	}),
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete PROJECT ID",
	Short: "Delete a checkpoint and its archive",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return usageError{fmt.Errorf("checkpoint id must be a number: %q", args[1])}
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := a.checkp.Delete(ctx, args[0], id, force); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Checkpoint %d deleted", id), nil)
		return nil
	}),
}

var checkpointCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired checkpoints across all projects",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		res, err := a.checkp.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Removed %d expired checkpoints (%d bytes reclaimed)",
			res.Deleted, res.ReclaimedBytes), res)
		for id, err := range res.Errors {
			fmt.Printf("  checkpoint %d: %v\n", id, err)
		}
		return nil
	}),
}

func init() {
	checkpointCreateCmd.Flags().String("label", "", "Human label for the checkpoint")
	checkpointRestoreCmd.Flags().Bool("no-safety", false, "Skip the pre-restore checkpoint")
	checkpointDeleteCmd.Flags().Bool("force", false, "Delete even when a release references it")

	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRestoreCmd)
	checkpointCmd.AddCommand(checkpointDeleteCmd)
	checkpointCmd.AddCommand(checkpointCleanupCmd)

	rootCmd.AddCommand(checkpointCmd)
}

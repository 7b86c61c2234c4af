package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/provision"
	"github.com/hostkit/hostkit/pkg/types"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a project (unix user, home tree, unit file)",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		runtime, _ := cmd.Flags().GetString("runtime")
		res, err := a.provision.Provision(ctx, args[0], provision.Options{
			Runtime: types.Runtime(runtime),
		})
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Project %s created on port %d", res.Project, res.Port), res)
		return nil
	}),
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		projects, err := a.store.ListProjects()
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("%d projects", len(projects)), projects)
			return nil
		}
		fmt.Printf("%-20s %-8s %-6s %-9s %s\n", "NAME", "RUNTIME", "PORT", "STATUS", "CREATED BY")
		for _, p := range projects {
			fmt.Printf("%-20s %-8s %-6d %-9s %s\n", p.Name, p.Runtime, p.Port, p.Status, p.CreatedBy)
		}
		return nil
	}),
}

var projectInfoCmd = &cobra.Command{
	Use:   "info NAME",
	Short: "Show a project's metadata, current release and domains",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		name := args[0]
		proj, err := a.store.GetProject(name)
		if err != nil {
			return err
		}
		current, err := a.store.CurrentRelease(name)
		if err != nil {
			return err
		}
		domains, err := a.store.ListDomains(name)
		if err != nil {
			return err
		}
		pause, err := a.store.AutoPauseConfig(name)
		if err != nil {
			return err
		}

		info := map[string]any{
			"project": proj,
			"release": current,
			"domains": domains,
			"paused":  pause != nil && pause.Paused,
		}
		if flagJSON {
			printResult(name, info)
			return nil
		}
		fmt.Printf("Project:  %s (%s)\n", proj.Name, proj.Runtime)
		fmt.Printf("Port:     %d\n", proj.Port)
		fmt.Printf("Status:   %s\n", proj.Status)
		fmt.Printf("Created:  %s by %s\n", proj.CreatedAt.Format("2006-01-02 15:04"), proj.CreatedBy)
		if proj.DatabaseIndex != nil {
			fmt.Printf("Redis DB: %d\n", *proj.DatabaseIndex)
		}
		if current != nil {
			fmt.Printf("Release:  %s (deployed %s)\n", current.ReleaseName, current.DeployedAt.Format("2006-01-02 15:04"))
		} else {
			fmt.Println("Release:  none")
		}
		for _, d := range domains {
			ssl := ""
			if d.SSLProvisioned {
				ssl = " [ssl]"
			}
			fmt.Printf("Domain:   %s%s\n", d.Domain, ssl)
		}
		if pause != nil && pause.Paused {
			reason := ""
			if pause.PausedReason != nil {
				reason = " (" + *pause.PausedReason + ")"
			}
			fmt.Printf("PAUSED%s\n", reason)
		}
		return nil
	}),
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Destroy a project and everything it owns",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		name := args[0]
		force, _ := cmd.Flags().GetBool("force")
		dropDB, _ := cmd.Flags().GetBool("drop-database")

		if !force {
			return types.E(types.ErrInvalidKey, "refusing to destroy %q without --force", name).
				WithSuggestion(fmt.Sprintf("hostkit project delete %s --force", name))
		}
		res, err := a.provision.Destroy(ctx, name, dropDB)
		if err != nil {
			return err
		}
		if failed := res.Failed(); len(failed) > 0 {
			printResult(fmt.Sprintf("Project %s destroyed with incomplete steps: %s",
				name, strings.Join(failed, ", ")), res)
			return nil
		}
		printResult(fmt.Sprintf("✓ Project %s destroyed", name), res)
		return nil
	}),
}

var projectResumeCmd = &cobra.Command{
	Use:   "resume NAME",
	Short: "Lift an auto-pause so deploys are accepted again",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.autopause.Resume(args[0]); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Project %s resumed", args[0]), nil)
		return nil
	}),
}

func init() {
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectInfoCmd)
	projectCmd.AddCommand(projectDeleteCmd)
	projectCmd.AddCommand(projectResumeCmd)

	projectCreateCmd.Flags().String("runtime", "python", "Runtime kind (python, node, nextjs, static)")
	projectDeleteCmd.Flags().Bool("force", false, "Confirm destruction")
	projectDeleteCmd.Flags().Bool("drop-database", false, "Also drop the postgres database and role")

	rootCmd.AddCommand(projectCmd)
}

package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/envfile"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/lock"
	"github.com/hostkit/hostkit/pkg/types"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage a project's environment file",
}

// withEnvLock runs fn while holding the project mutation lock, so env
// edits never interleave with a running deploy.
func withEnvLock(ctx context.Context, a *app, project string, fn func(envPath string) error) error {
	p, err := a.store.GetProject(project)
	if err != nil {
		return err
	}
	l := fsops.Layout{
		Project:    p.Name,
		HomeRoot:   a.cfg.HomeRoot,
		BackupRoot: a.cfg.BackupRoot,
		LogRoot:    a.cfg.LogRoot,
	}
	pl := lock.ForProject(p.Name, l.Home())
	if err := pl.Acquire(ctx); err != nil {
		return err
	}
	defer pl.Release()
	return fn(l.EnvFile())
}

var envSetCmd = &cobra.Command{
	Use:   "set PROJECT KEY VALUE",
	Short: "Set one environment variable",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		err := withEnvLock(ctx, a, args[0], func(envPath string) error {
			return envfile.Set(envPath, args[1], args[2])
		})
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ %s set for %s (restart to apply: hostkit restart %s)", args[1], args[0], args[0]), nil)
		return nil
	}),
}

var envGetCmd = &cobra.Command{
	Use:   "get PROJECT KEY",
	Short: "Print one environment variable",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return withEnvLock(ctx, a, args[0], func(envPath string) error {
			v, ok, err := envfile.Get(envPath, args[1])
			if err != nil {
				return err
			}
			if !ok {
				return types.E(types.ErrInvalidKey, "%s is not set for %s", args[1], args[0])
			}
			printResult(v, map[string]string{args[1]: v})
			return nil
		})
	}),
}

var envUnsetCmd = &cobra.Command{
	Use:   "unset PROJECT KEY",
	Short: "Remove one environment variable",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		err := withEnvLock(ctx, a, args[0], func(envPath string) error {
			return envfile.Unset(envPath, args[1])
		})
		if err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ %s unset for %s", args[1], args[0]), nil)
		return nil
	}),
}

var envListCmd = &cobra.Command{
	Use:   "list PROJECT",
	Short: "List environment variables, values masked unless --show",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		show, _ := cmd.Flags().GetBool("show")
		return withEnvLock(ctx, a, args[0], func(envPath string) error {
			env, err := envfile.Load(envPath)
			if err != nil {
				return err
			}
			if flagJSON {
				if !show {
					masked := make(map[string]string, len(env))
					for k := range env {
						masked[k] = "********"
					}
					env = masked
				}
				printResult(fmt.Sprintf("%d variables", len(env)), env)
				return nil
			}
			keys := make([]string, 0, len(env))
			for k := range env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if show {
					fmt.Printf("%s=%s\n", k, env[k])
				} else {
					fmt.Printf("%s=********\n", k)
				}
			}
			return nil
		})
	}),
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage vault-backed secrets",
}

var secretSetCmd = &cobra.Command{
	Use:   "set PROJECT KEY VALUE",
	Short: "Store a secret in the vault",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if _, err := a.store.GetProject(args[0]); err != nil {
			return err
		}
		if err := a.vault.Set(args[0], args[1], args[2]); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Secret %s stored for %s", args[1], args[0]), nil)
		return nil
	}),
}

var secretListCmd = &cobra.Command{
	Use:   "list PROJECT",
	Short: "List secret names (never values)",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		keys, err := a.vault.Keys(args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			printResult(fmt.Sprintf("%d secrets", len(keys)), keys)
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	}),
}

var secretUnsetCmd = &cobra.Command{
	Use:   "unset PROJECT KEY",
	Short: "Remove a secret from the vault",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.vault.Unset(args[0], args[1]); err != nil {
			return err
		}
		printResult(fmt.Sprintf("✓ Secret %s removed from %s", args[1], args[0]), nil)
		return nil
	}),
}

func init() {
	envListCmd.Flags().Bool("show", false, "Print values instead of masking them")

	envCmd.AddCommand(envSetCmd)
	envCmd.AddCommand(envGetCmd)
	envCmd.AddCommand(envUnsetCmd)
	envCmd.AddCommand(envListCmd)

	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretUnsetCmd)

	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(secretCmd)
}

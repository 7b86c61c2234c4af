package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/provision"
	"github.com/hostkit/hostkit/pkg/types"
)

var provisionCmd = &cobra.Command{
	Use:   "provision NAME",
	Short: "Provision a complete project in one pass",
	Long: `Provision a project end to end: row, unix user, home tree and unit
file, then optionally a database, a redis slot, sidecars, secrets, SSH
access, a domain and a first deploy.

Examples:
  # Minimal python project
  hostkit provision shopapi

  # Full stack with database and a first deploy
  hostkit provision shopapi --db --vector --redis \
    --sidecar auth --secret API_KEY=s3cret \
    --source /srv/src/shopapi --start`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		opts, err := provisionOptions(cmd)
		if err != nil {
			return err
		}
		res, err := a.provision.Provision(ctx, args[0], opts)
		if err != nil {
			return err
		}

		if flagJSON {
			printResult(fmt.Sprintf("provisioned %s on port %d", res.Project, res.Port), res)
			return nil
		}
		for _, s := range res.Steps {
			if s.Err != nil {
				fmt.Printf("✗ %-18s %v\n", s.Name, s.Err)
				continue
			}
			fmt.Printf("✓ %-18s %s\n", s.Name, s.Detail)
		}
		if failed := res.Failed(); len(failed) > 0 {
			fmt.Printf("\nProvisioned with %d failed steps; rerun the failed parts individually.\n", len(failed))
		} else {
			fmt.Printf("\n✓ Project %s ready on port %d\n", res.Project, res.Port)
		}
		return nil
	}),
}

func provisionOptions(cmd *cobra.Command) (provision.Options, error) {
	runtime, _ := cmd.Flags().GetString("runtime")
	db, _ := cmd.Flags().GetBool("db")
	vector, _ := cmd.Flags().GetBool("vector")
	redis, _ := cmd.Flags().GetBool("redis")
	sidecars, _ := cmd.Flags().GetStringSlice("sidecar")
	secrets, _ := cmd.Flags().GetStringToString("secret")
	sshKeys, _ := cmd.Flags().GetStringArray("ssh-key")
	forgeUser, _ := cmd.Flags().GetString("forge-user")
	domain, _ := cmd.Flags().GetString("domain")
	ssl, _ := cmd.Flags().GetBool("ssl")
	source, _ := cmd.Flags().GetString("source")
	start, _ := cmd.Flags().GetBool("start")

	opts := provision.Options{
		Runtime:         types.Runtime(runtime),
		CreateDB:        db,
		VectorExtension: vector,
		RedisIndex:      redis,
		Secrets:         secrets,
		SSHKeys:         sshKeys,
		ForgeUser:       forgeUser,
		Domain:          domain,
		ProvisionTLS:    ssl,
		SourcePath:      source,
		Start:           start,
	}
	if vector && !db {
		return opts, usageError{fmt.Errorf("--vector requires --db")}
	}
	if ssl && domain == "" {
		return opts, usageError{fmt.Errorf("--ssl requires --domain")}
	}
	for _, s := range sidecars {
		opts.Sidecars = append(opts.Sidecars, types.ServiceKind(s))
	}
	return opts, nil
}

func init() {
	provisionCmd.Flags().String("runtime", "python", "Runtime kind (python, node, nextjs, static)")
	provisionCmd.Flags().Bool("db", false, "Create a postgres role and database")
	provisionCmd.Flags().Bool("vector", false, "Install the vector extension in the project database")
	provisionCmd.Flags().Bool("redis", false, "Allocate a redis database slot")
	provisionCmd.Flags().StringSlice("sidecar", nil, "Sidecar services to enable (auth, chatbot, sms, booking, payments, vector)")
	provisionCmd.Flags().StringToString("secret", nil, "Secrets to store, KEY=value (repeatable)")
	provisionCmd.Flags().StringArray("ssh-key", nil, "Authorized SSH public key (repeatable)")
	provisionCmd.Flags().String("forge-user", "", "Fetch published SSH keys for this GitHub user")
	provisionCmd.Flags().String("domain", "", "Domain to bind (DNS is verified first)")
	provisionCmd.Flags().Bool("ssl", false, "Obtain a certificate for --domain")
	provisionCmd.Flags().String("source", "", "Deploy this local source directory after provisioning")
	provisionCmd.Flags().Bool("start", false, "Start the service after provisioning")

	rootCmd.AddCommand(provisionCmd)
}

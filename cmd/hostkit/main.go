package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hostkit/hostkit/pkg/checkpoint"
	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/deploy"
	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/health"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/provision"
	"github.com/hostkit/hostkit/pkg/ratelimit"
	"github.com/hostkit/hostkit/pkg/release"
	"github.com/hostkit/hostkit/pkg/schedule"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
	"github.com/hostkit/hostkit/pkg/vault"
	"github.com/hostkit/hostkit/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagJSON   bool
	flagConfig string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		if isUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hostkit",
	Short: "HostKit - single-host deployment control plane",
	Long: `HostKit manages projects on one Linux host: isolated unix users,
timestamped releases with atomic switches, database checkpoints,
systemd supervision, health checks and an append-only event journal.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"HostKit version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Emit machine-readable JSON envelopes")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default /etc/hostkit/config.yml)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
}

// usageError marks malformed invocations so main can exit 2 instead of 1.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func isUsageError(err error) bool {
	var u usageError
	return errors.As(err, &u)
}

// envelope is the machine-readable output shape under --json.
type envelope struct {
	Success    bool   `json:"success"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Data       any    `json:"data,omitempty"`
}

func printResult(message string, data any) {
	if flagJSON {
		out, _ := json.MarshalIndent(envelope{Success: true, Message: message, Data: data}, "", "  ")
		fmt.Println(string(out))
		return
	}
	if message != "" {
		fmt.Println(message)
	}
}

func printError(err error) {
	if flagJSON {
		out, _ := json.MarshalIndent(envelope{
			Success:    false,
			Code:       string(types.CodeOf(err)),
			Message:    err.Error(),
			Suggestion: types.SuggestionOf(err),
		}, "", "  ")
		fmt.Fprintln(os.Stderr, string(out))
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if s := types.SuggestionOf(err); s != "" {
		fmt.Fprintf(os.Stderr, "Hint:  %s\n", s)
	}
}

// app holds every wired subsystem for the lifetime of one command.
type app struct {
	cfg     *config.Config
	store   *store.Store
	journal *journal.Journal
	vault   *vault.Vault
	fs      *fsops.Ops
	runner  execx.Runner

	client    systemd.Client
	dbus      *systemd.DBusClient
	units     *systemd.Manager
	releases  *release.Engine
	checkp    *checkpoint.Engine
	limiter   *ratelimit.Engine
	autopause *ratelimit.AutoPause
	health    *health.Checker
	pipeline  *deploy.Pipeline
	schedule  *schedule.Manager
	workers   *worker.Manager
	provision *provision.Orchestrator
}

// openApp loads config and wires the full engine graph. A store
// migration failure is fatal before any command logic runs.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: flagJSON || cfg.LogJSON})

	if err := authorize(config.Operator()); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	vt, err := vault.Open(cfg.VaultPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open secrets vault: %w", err)
	}

	a := &app{
		cfg:     cfg,
		store:   st,
		journal: journal.New(st, config.Operator()),
		vault:   vt,
		fs:      fsops.New(),
		runner:  execx.New(),
	}

	a.dbus, err = systemd.NewDBusClient(ctx)
	if err != nil {
		a.Close()
		return nil, types.Wrap(types.ErrSystemd, err, "connect to systemd")
	}
	a.client = a.dbus

	a.units = systemd.NewManager(a.client, cfg.UnitDir)
	a.releases = release.New(st, a.fs, a.journal, cfg)
	a.checkp = checkpoint.New(st, a.journal, cfg)
	a.limiter = ratelimit.New(st, a.journal, cfg)
	a.autopause = ratelimit.NewAutoPause(a.limiter)
	a.health = health.NewChecker(st, a.client, cfg)
	a.pipeline = deploy.New(st, a.journal, a.releases, a.checkp,
		a.limiter, a.autopause, a.health, a.units, vt, a.runner, a.fs, cfg)
	a.schedule = schedule.New(st, a.journal, a.units, a.runner, cfg)
	a.workers = worker.New(st, a.journal, a.units, cfg)
	a.provision = provision.New(st, a.journal, a.units, a.pipeline,
		a.health, vt, a.fs, a.runner, cfg)
	return a, nil
}

func (a *app) Close() {
	if a.dbus != nil {
		a.dbus.Close()
	}
	if a.vault != nil {
		a.vault.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// authorize is the single capability check at the CLI boundary. Engines
// are capability-agnostic; policy lives here. Today the policy is that
// an operator identity must resolve, with root always permitted.
func authorize(operator string) error {
	if operator == "" {
		return types.E(types.ErrInvalidKey, "cannot resolve invoking operator").
			WithSuggestion("run via sudo so SUDO_USER is set")
	}
	return nil
}

// withApp wraps a RunE body with app lifecycle handling.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, cmd, args)
	}
}

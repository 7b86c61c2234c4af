// Package provision builds a complete project from nothing: row, unix
// user, home tree, unit files, database, sidecars, keys, domain and an
// optional first deploy. The first three steps roll back on failure;
// later steps are independent and merely recorded.
package provision

import (
	"context"
	"fmt"
	"net"
	"os/user"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/deploy"
	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/health"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/release"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
	"github.com/hostkit/hostkit/pkg/vault"
)

// Options selects what a provision run builds beyond the mandatory
// row + user + unit base.
type Options struct {
	Runtime types.Runtime

	CreateDB        bool
	VectorExtension bool
	RedisIndex      bool
	Sidecars        []types.ServiceKind

	Secrets map[string]string

	// SSH access: literal authorized keys and/or a code-forge username
	// whose published keys are fetched.
	SSHKeys   []string
	ForgeUser string

	Domain       string
	ProvisionTLS bool

	// SourcePath triggers a first deploy from a local directory.
	SourcePath string
	Start      bool
}

// StepResult records one provision step's outcome.
type StepResult struct {
	Name   string
	Detail string
	Err    error
}

// Result lists what a provision run did and how it ended.
type Result struct {
	Project string
	Port    int
	Steps   []StepResult
	Health  types.HealthState
}

func (r *Result) ok(name, detail string) {
	r.Steps = append(r.Steps, StepResult{Name: name, Detail: detail})
}

func (r *Result) fail(name string, err error) {
	r.Steps = append(r.Steps, StepResult{Name: name, Err: err})
}

// Failed returns the names of steps that errored.
func (r *Result) Failed() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s.Name)
		}
	}
	return out
}

// Orchestrator drives provisioning and teardown.
type Orchestrator struct {
	store    *store.Store
	journal  *journal.Journal
	units    *systemd.Manager
	deployer *deploy.Pipeline
	health   *health.Checker
	vault    *vault.Vault
	fs       *fsops.Ops
	runner   execx.Runner
	cfg      *config.Config
	logger   zerolog.Logger

	// Owners resolves a project to its unix uid/gid once the user exists.
	Owners release.OwnerFunc

	admin      adminFactory
	redisAlloc redisChecker
	lookupHost func(host string) ([]string, error)
	fetchKeys  keyFetcher
}

// New wires an orchestrator with production side-effect implementations.
func New(st *store.Store, jr *journal.Journal, units *systemd.Manager, dep *deploy.Pipeline,
	hc *health.Checker, vt *vault.Vault, fs *fsops.Ops, runner execx.Runner, cfg *config.Config) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		journal:  jr,
		units:    units,
		deployer: dep,
		health:   hc,
		vault:    vt,
		fs:       fs,
		runner:   runner,
		cfg:      cfg,
		logger:   log.WithComponent("provision"),
		Owners:   lookupIDs,
	}
	o.admin = o.pgxAdmin
	o.redisAlloc = o.redisPing
	o.lookupHost = net.LookupHost
	o.fetchKeys = fetchForgeKeys
	return o
}

func lookupIDs(project string) (int, int, error) {
	u, err := user.Lookup(project)
	if err != nil {
		return 0, 0, err
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	return uid, gid, nil
}

func (o *Orchestrator) layout(project string) fsops.Layout {
	return fsops.Layout{
		Project:    project,
		HomeRoot:   o.cfg.HomeRoot,
		BackupRoot: o.cfg.BackupRoot,
		LogRoot:    o.cfg.LogRoot,
	}
}

// Provision runs the stepwise flow. Steps 1-3 (row, user, unit) are
// all-or-nothing; optional steps fail independently.
func (o *Orchestrator) Provision(ctx context.Context, project string, opts Options) (*Result, error) {
	if err := types.ValidateProjectName(project); err != nil {
		return nil, err
	}
	runtime := opts.Runtime
	if runtime == "" {
		runtime = types.RuntimePython
	}
	res := &Result{Project: project}

	// Step 1: row with an allocated port.
	proj := &types.Project{
		Name:      project,
		Runtime:   runtime,
		Status:    types.ProjectStopped,
		CreatedBy: o.journal.Operator(),
	}
	if err := o.store.Transaction(func(tx *sqlx.Tx) error {
		port, err := store.NextFreePortTx(tx, o.cfg.PortRangeStart, o.cfg.PortRangeEnd)
		if err != nil {
			return err
		}
		proj.Port = port
		if err := store.CreateProjectTx(tx, proj); err != nil {
			return err
		}
		return o.journal.EmitTx(tx, project, types.CategoryProject, "project.created",
			fmt.Sprintf("project created on port %d", port), types.LevelInfo,
			map[string]any{"port": port, "runtime": string(runtime)})
	}); err != nil {
		return nil, err
	}
	res.Port = proj.Port
	res.ok("create project", fmt.Sprintf("port %d", proj.Port))

	// Step 2: unix user and home tree.
	l := o.layout(project)
	if err := o.createUser(ctx, project, l); err != nil {
		o.rollback(ctx, project)
		return nil, err
	}
	res.ok("create user", l.Home())

	// Step 3: main unit, enabled but not started.
	if err := o.renderMainUnit(ctx, proj, l); err != nil {
		o.rollback(ctx, project)
		return nil, err
	}
	res.ok("render unit", types.ServiceApp.UnitName(project, "")+".service")

	// Step 4: independent optional steps.
	if opts.CreateDB {
		if detail, err := o.createDatabase(ctx, project, l, opts.VectorExtension); err != nil {
			res.fail("create database", err)
		} else {
			res.ok("create database", detail)
		}
	}
	if opts.RedisIndex {
		if idx, err := o.allocateRedisIndex(ctx, project, l); err != nil {
			res.fail("redis index", err)
		} else {
			res.ok("redis index", strconv.Itoa(idx))
		}
	}
	for _, kind := range opts.Sidecars {
		if port, err := o.enableSidecar(ctx, project, kind, l); err != nil {
			res.fail("sidecar "+string(kind), err)
		} else {
			res.ok("sidecar "+string(kind), fmt.Sprintf("port %d", port))
		}
	}
	if len(opts.Secrets) > 0 {
		if err := o.storeSecrets(project, opts.Secrets); err != nil {
			res.fail("store secrets", err)
		} else {
			res.ok("store secrets", fmt.Sprintf("%d keys", len(opts.Secrets)))
		}
	}
	if len(opts.SSHKeys) > 0 || opts.ForgeUser != "" {
		if n, err := o.installSSHKeys(ctx, project, l, opts.SSHKeys, opts.ForgeUser); err != nil {
			res.fail("ssh keys", err)
		} else {
			res.ok("ssh keys", fmt.Sprintf("%d keys", n))
		}
	}
	if opts.Domain != "" {
		if err := o.configureDomain(ctx, project, opts.Domain, opts.ProvisionTLS); err != nil {
			res.fail("domain", err)
		} else {
			res.ok("domain", opts.Domain)
		}
	}
	if opts.SourcePath != "" {
		if _, err := o.deployer.Deploy(ctx, project, deploy.Options{
			SourceKind: deploy.SourceLocal,
			SourcePath: opts.SourcePath,
		}); err != nil {
			res.fail("deploy", err)
		} else {
			res.ok("deploy", opts.SourcePath)
		}
	}
	if opts.Start {
		if err := o.startApp(ctx, project); err != nil {
			res.fail("start", err)
		} else {
			res.ok("start", "")
			if report, err := o.health.Check(ctx, project, health.Options{}); err == nil {
				res.Health = report.State
			}
		}
	}

	if failed := res.Failed(); len(failed) > 0 {
		o.logger.Warn().Str("project", project).Strs("failed_steps", failed).Msg("provision finished with failures")
	}
	return res, nil
}

// createUser adds the unix account and scaffolds the home tree with the
// project as owner.
func (o *Orchestrator) createUser(ctx context.Context, project string, l fsops.Layout) error {
	if _, err := o.runner.Run(ctx, execx.Cmd{
		Name: "useradd",
		Args: []string{"--create-home", "--home-dir", l.Home(), "--shell", "/bin/bash", project},
	}); err != nil {
		return types.Wrap(types.ErrProvisionFailed, err, "create unix user %s", project)
	}
	uid, gid, err := o.Owners(project)
	if err != nil {
		return fmt.Errorf("resolve uid for %s: %w", project, err)
	}
	return o.fs.ScaffoldHome(l, uid, gid)
}

func (o *Orchestrator) renderMainUnit(ctx context.Context, proj *types.Project, l fsops.Layout) error {
	if err := o.units.WriteAppUnit(proj, &l, nil); err != nil {
		return err
	}
	if err := o.units.Client().DaemonReload(ctx); err != nil {
		return err
	}
	return o.units.Client().Enable(ctx, types.ServiceApp.UnitName(proj.Name, ""))
}

func (o *Orchestrator) startApp(ctx context.Context, project string) error {
	unit := types.ServiceApp.UnitName(project, "")
	if err := o.units.Client().Start(ctx, unit); err != nil {
		return err
	}
	if err := o.units.WaitActive(ctx, unit, 15*time.Second); err != nil {
		return err
	}
	return o.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.UpdateProjectStatusTx(tx, project, types.ProjectRunning); err != nil {
			return err
		}
		return o.journal.EmitTx(tx, project, types.CategoryService, "service.started",
			"main service started", types.LevelInfo, nil)
	})
}

// rollback undoes steps 1-3 after an early failure. Best effort; the
// surfaced error is the original failure, not a cleanup problem.
func (o *Orchestrator) rollback(ctx context.Context, project string) {
	unit := types.ServiceApp.UnitName(project, "")
	_ = o.units.Client().Disable(ctx, unit)
	if err := o.units.RemoveUnit(unit, "service"); err != nil {
		o.logger.Warn().Err(err).Str("project", project).Msg("rollback: unit removal failed")
	}
	if _, err := o.runner.Run(ctx, execx.Cmd{Name: "userdel", Args: []string{"--remove", project}}); err != nil {
		o.logger.Warn().Err(err).Str("project", project).Msg("rollback: userdel failed")
	}
	if err := o.store.Transaction(func(tx *sqlx.Tx) error {
		return store.DeleteProjectTx(tx, project)
	}); err != nil {
		o.logger.Error().Err(err).Str("project", project).Msg("rollback: row deletion failed")
	}
}

func (o *Orchestrator) storeSecrets(project string, secrets map[string]string) error {
	for k, v := range secrets {
		if err := o.vault.Set(project, k, v); err != nil {
			return err
		}
	}
	return o.journal.Emit(project, types.CategoryProject, "secrets.stored",
		fmt.Sprintf("%d secrets stored", len(secrets)), types.LevelInfo,
		map[string]any{"count": len(secrets)})
}

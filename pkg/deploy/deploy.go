// Package deploy orchestrates the full deployment pipeline: gates,
// release creation, checkpointing, source materialization, build and
// install, secret injection, the atomic switch, restart, validation and
// retention. Failures leave the new release directory in place for
// inspection; retention removes it later.
package deploy

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/checkpoint"
	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/envfile"
	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/health"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/lock"
	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/ratelimit"
	"github.com/hostkit/hostkit/pkg/release"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
	"github.com/hostkit/hostkit/pkg/vault"
)

// SourceKind selects where the deployed code comes from.
type SourceKind string

const (
	SourceLocal SourceKind = "local_path"
	SourceGit   SourceKind = "git"
)

// Options parameterize one deploy.
type Options struct {
	SourceKind SourceKind
	SourcePath string // local_path: directory to copy
	GitURL     string // git: repository URL
	GitRef     string // git: branch, tag or commit; empty means default branch

	Build             bool
	InstallDeps       bool
	InjectSecrets     bool
	Restart           bool
	OverrideRateLimit bool
	Environment       string
}

// Result summarizes a finished deploy.
type Result struct {
	Release      string
	FilesSynced  int
	Duration     time.Duration
	CheckpointID *int64
	Health       types.HealthState
	Warnings     []string
}

// Pipeline wires every engine the deploy path touches.
type Pipeline struct {
	store       *store.Store
	journal     *journal.Journal
	releases    *release.Engine
	checkpoints *checkpoint.Engine
	limiter     *ratelimit.Engine
	autopause   *ratelimit.AutoPause
	health      *health.Checker
	manager     *systemd.Manager
	vault       *vault.Vault
	runner      execx.Runner
	fs          *fsops.Ops
	cfg         *config.Config
	logger      zerolog.Logger

	// Owners resolves a project to its unix uid/gid.
	Owners release.OwnerFunc
}

// New wires a deploy pipeline.
func New(st *store.Store, jr *journal.Journal, rel *release.Engine, cp *checkpoint.Engine,
	rl *ratelimit.Engine, ap *ratelimit.AutoPause, hc *health.Checker,
	mgr *systemd.Manager, vt *vault.Vault, runner execx.Runner, fs *fsops.Ops, cfg *config.Config) *Pipeline {
	return &Pipeline{
		store:       st,
		journal:     jr,
		releases:    rel,
		checkpoints: cp,
		limiter:     rl,
		autopause:   ap,
		health:      hc,
		manager:     mgr,
		vault:       vt,
		runner:      runner,
		fs:          fs,
		cfg:         cfg,
		logger:      log.WithComponent("deploy"),
		Owners:      lookupIDs,
	}
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

func (p *Pipeline) layout(project string) fsops.Layout {
	return fsops.Layout{
		Project:    project,
		HomeRoot:   p.cfg.HomeRoot,
		BackupRoot: p.cfg.BackupRoot,
		LogRoot:    p.cfg.LogRoot,
	}
}

// Deploy runs the pipeline end to end. The project lock is held across
// every filesystem side effect.
func (p *Pipeline) Deploy(ctx context.Context, project string, opts Options) (*Result, error) {
	start := time.Now()

	// Gates run before any side effect.
	proj, err := p.store.GetProject(project)
	if err != nil {
		return nil, err
	}
	if !opts.OverrideRateLimit {
		decision, err := p.limiter.CheckAllowed(project)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			_ = p.journal.Emit(project, types.CategoryDeploy, "deploy.rate_limited",
				decision.Detail, types.LevelWarning, map[string]any{"reason": string(decision.Reason)})
			return nil, decision.BlockError()
		}
	}
	paused, err := p.autopause.IsPaused(project)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, types.E(types.ErrProjectPaused,
			"project %s is paused after repeated deploy failures", project).
			WithSuggestion(fmt.Sprintf("inspect recent failures, then: hostkit project resume %s", project))
	}

	l := p.layout(project)
	plock := lock.ForProject(project, l.Home())
	if err := plock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer plock.Release()

	if err := p.journal.Emit(project, types.CategoryDeploy, "deploy.started",
		fmt.Sprintf("deploy from %s started", opts.SourceKind), types.LevelInfo,
		map[string]any{"source_kind": string(opts.SourceKind), "source": sourceLabel(opts)}); err != nil {
		return nil, err
	}

	res, err := p.run(ctx, proj, l, opts)
	if err != nil {
		p.recordFailure(project, err)
		return nil, err
	}

	res.Duration = time.Since(start)
	if err := p.journal.Emit(project, types.CategoryDeploy, "deploy.completed",
		fmt.Sprintf("release %s deployed in %s", res.Release, res.Duration.Round(time.Millisecond)),
		types.LevelInfo, map[string]any{
			"release":      res.Release,
			"files_synced": res.FilesSynced,
			"duration_ms":  res.Duration.Milliseconds(),
		}); err != nil {
		return nil, err
	}
	if err := p.limiter.RecordOutcome(project, types.OutcomeSuccess); err != nil {
		return nil, err
	}

	// Retention failures must not fail a finished deploy.
	if cleanup, err := p.releases.Cleanup(ctx, project); err != nil {
		res.Warnings = append(res.Warnings, "release cleanup failed: "+err.Error())
	} else if len(cleanup.Errors) > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("release cleanup: %d releases could not be removed", len(cleanup.Errors)))
	}
	return res, nil
}

// run executes the fallible middle of the pipeline (release creation
// through restart and validation).
func (p *Pipeline) run(ctx context.Context, proj *types.Project, l fsops.Layout, opts Options) (*Result, error) {
	project := proj.Name
	res := &Result{}

	rel, err := p.releases.Create(ctx, project)
	if err != nil {
		return nil, err
	}
	res.Release = rel.ReleaseName

	// Pre-deploy checkpoint when the project carries a database.
	if p.projectHasDatabase(l) {
		cp, err := p.checkpoints.Create(ctx, project, checkpoint.CreateOptions{
			Type:          types.CheckpointPreDeploy,
			TriggerSource: "deploy " + rel.ReleaseName,
		})
		if err != nil {
			return nil, err
		}
		res.CheckpointID = &cp.ID
	}

	// Environment snapshot travels with the release for full rollback.
	var envSnapshot *string
	if snap, err := envfile.Snapshot(l.EnvFile()); err == nil {
		envSnapshot = &snap
	}
	if res.CheckpointID != nil || envSnapshot != nil {
		if err := p.releases.UpdateSnapshot(project, rel.ReleaseName, res.CheckpointID, envSnapshot); err != nil {
			return nil, err
		}
	}

	synced, err := p.materialize(ctx, project, rel, opts)
	if err != nil {
		return nil, err
	}
	res.FilesSynced = synced
	if err := p.store.Transaction(func(tx *sqlx.Tx) error {
		return store.UpdateReleaseSyncTx(tx, project, rel.ReleaseName, synced)
	}); err != nil {
		return nil, err
	}

	if opts.Build {
		if err := p.buildStep(ctx, proj, rel.ReleasePath); err != nil {
			return nil, err
		}
	}
	if opts.InstallDeps {
		if err := p.installStep(ctx, proj, rel.ReleasePath); err != nil {
			return nil, err
		}
	}
	if opts.InjectSecrets {
		n, err := p.injectSecrets(project, l)
		if err != nil {
			return nil, err
		}
		p.logger.Info().Str("project", project).Int("count", n).Msg("secrets injected")
	}

	if err := p.releases.Activate(ctx, project, rel.ReleaseName); err != nil {
		return nil, err
	}

	if opts.Restart {
		unit := types.ServiceApp.UnitName(project, "")
		if err := p.manager.Client().Restart(ctx, unit); err != nil {
			// The release is live; a restart problem is the operator's
			// call, not grounds for unwinding the deploy.
			res.Warnings = append(res.Warnings, "service restart failed: "+err.Error())
		}
	}

	report, err := p.health.CheckWithRetry(ctx, project, health.Options{}, 3, 2*time.Second)
	if err == nil && report != nil {
		res.Health = report.State
		if report.State == types.Unhealthy {
			res.Warnings = append(res.Warnings,
				"health probe failed after deploy; inspect with: hostkit diagnose "+project)
			_ = p.journal.Emit(project, types.CategoryHealth, "health.check_failed",
				"post-deploy health probe failed", types.LevelWarning,
				map[string]any{"release": rel.ReleaseName, "reasons": report.Reasons})
		}
	}
	return res, nil
}

// recordFailure books a failed attempt and arms the circuit breaker.
func (p *Pipeline) recordFailure(project string, cause error) {
	_ = p.journal.Emit(project, types.CategoryDeploy, "deploy.failed",
		cause.Error(), types.LevelError, map[string]any{"code": string(types.CodeOf(cause))})
	if err := p.limiter.RecordOutcome(project, types.OutcomeFailure); err != nil {
		p.logger.Error().Err(err).Str("project", project).Msg("failed to record deploy outcome")
	}
	if _, err := p.autopause.CheckAndMaybePause(project); err != nil {
		p.logger.Error().Err(err).Str("project", project).Msg("auto-pause check failed")
	}
}

func (p *Pipeline) projectHasDatabase(l fsops.Layout) bool {
	env, err := envfile.Load(l.EnvFile())
	if err != nil {
		return false
	}
	return env["DATABASE_URL"] != ""
}

// injectSecrets merges vault values into the env file. Only counts are
// logged or journaled, never values.
func (p *Pipeline) injectSecrets(project string, l fsops.Layout) (int, error) {
	secrets, err := p.vault.All(project)
	if err != nil {
		return 0, err
	}
	if len(secrets) == 0 {
		return 0, nil
	}
	env, err := envfile.Load(l.EnvFile())
	if err != nil {
		return 0, err
	}
	for k, v := range secrets {
		env[k] = v
	}
	if err := envfile.Save(l.EnvFile(), env); err != nil {
		return 0, err
	}
	return len(secrets), nil
}

func (p *Pipeline) buildStep(ctx context.Context, proj *types.Project, dir string) error {
	cmd, ok := buildCommand(proj.Runtime)
	if !ok {
		return nil
	}
	if _, err := p.runner.Run(ctx, execx.Cmd{
		Name: cmd[0], Args: cmd[1:], Dir: dir, Timeout: 10 * time.Minute,
	}); err != nil {
		return types.Wrap(types.ErrBuildFailed, err, "build %s release", proj.Name)
	}
	return nil
}

func (p *Pipeline) installStep(ctx context.Context, proj *types.Project, dir string) error {
	cmd, ok := installCommand(proj.Runtime, p.layout(proj.Name).Home())
	if !ok {
		return nil
	}
	if _, err := p.runner.Run(ctx, execx.Cmd{
		Name: cmd[0], Args: cmd[1:], Dir: dir, Timeout: 10 * time.Minute,
	}); err != nil {
		return types.Wrap(types.ErrInstallFailed, err, "install dependencies for %s", proj.Name)
	}
	return nil
}

// buildCommand maps a runtime to its build invocation. Runtimes without
// a build phase return ok=false.
func buildCommand(r types.Runtime) ([]string, bool) {
	switch r {
	case types.RuntimeNextJS:
		return []string{"npx", "next", "build"}, true
	case types.RuntimeNode:
		return []string{"npm", "run", "build", "--if-present"}, true
	default:
		return nil, false
	}
}

func installCommand(r types.Runtime, home string) ([]string, bool) {
	switch r {
	case types.RuntimePython:
		return []string{home + "/venv/bin/pip", "install", "-r", "requirements.txt"}, true
	case types.RuntimeNode, types.RuntimeNextJS:
		return []string{"npm", "install", "--omit=dev"}, true
	default:
		return nil, false
	}
}

func sourceLabel(opts Options) string {
	if opts.SourceKind == SourceGit {
		return opts.GitURL
	}
	return opts.SourcePath
}

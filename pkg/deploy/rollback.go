package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/hostkit/hostkit/pkg/envfile"
	"github.com/hostkit/hostkit/pkg/health"
	"github.com/hostkit/hostkit/pkg/lock"
	"github.com/hostkit/hostkit/pkg/types"
)

// RollbackOptions parameterize a rollback.
type RollbackOptions struct {
	To     string // release name; empty means the previous release
	Full   bool   // also restore checkpoint and env snapshot
	DryRun bool   // report what would happen without side effects
}

// StepResult is the outcome of one rollback sub-step. Partial rollbacks
// are a fact of life; every step's result is surfaced.
type StepResult struct {
	Step    string
	Done    bool
	Skipped string // non-empty reason when the step did not apply
	Err     error
}

// RollbackResult reports a rollback attempt step by step.
type RollbackResult struct {
	Target   string
	DryRun   bool
	Steps    []StepResult
	Health   types.HealthState
	Duration time.Duration
}

func (r *RollbackResult) step(name string, err error) {
	r.Steps = append(r.Steps, StepResult{Step: name, Done: err == nil, Err: err})
}

func (r *RollbackResult) skip(name, reason string) {
	r.Steps = append(r.Steps, StepResult{Step: name, Skipped: reason})
}

// Failed reports whether any executed step errored.
func (r *RollbackResult) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Rollback reverts the project to a prior release. With Full, the
// release's checkpoint and env snapshot are restored first; the code
// switch happens last so a failed database restore leaves the current
// release running.
func (p *Pipeline) Rollback(ctx context.Context, project string, opts RollbackOptions) (*RollbackResult, error) {
	start := time.Now()
	if _, err := p.store.GetProject(project); err != nil {
		return nil, err
	}

	target, err := p.resolveTarget(project, opts.To)
	if err != nil {
		return nil, err
	}
	res := &RollbackResult{Target: target.ReleaseName, DryRun: opts.DryRun}

	if opts.DryRun {
		p.reportDryRun(res, target, opts)
		res.Duration = time.Since(start)
		return res, nil
	}

	l := p.layout(project)
	plock := lock.ForProject(project, l.Home())
	if err := plock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer plock.Release()

	if opts.Full {
		if target.CheckpointID != nil {
			err := p.checkpoints.Restore(ctx, project, *target.CheckpointID, true)
			res.step("restore checkpoint", err)
			if err != nil {
				// Database and code must not diverge; stop here.
				res.Duration = time.Since(start)
				return res, err
			}
		} else {
			res.skip("restore checkpoint", "release has no associated checkpoint")
		}
		if target.EnvSnapshot != nil {
			err := envfile.RestoreSnapshot(l.EnvFile(), *target.EnvSnapshot)
			res.step("restore env file", err)
			if err != nil {
				res.Duration = time.Since(start)
				return res, err
			}
		} else {
			res.skip("restore env file", "release has no env snapshot")
		}
	}

	activateErr := p.releases.Activate(ctx, project, target.ReleaseName)
	res.step("activate release", activateErr)
	if activateErr != nil {
		res.Duration = time.Since(start)
		return res, activateErr
	}

	unit := types.ServiceApp.UnitName(project, "")
	restartErr := p.manager.Client().Restart(ctx, unit)
	res.step("restart service", restartErr)

	_ = p.journal.Emit(project, types.CategoryDeploy, "deploy.rolled_back",
		fmt.Sprintf("rolled back to release %s", target.ReleaseName), types.LevelWarning,
		map[string]any{"release": target.ReleaseName, "full": opts.Full})

	if report, err := p.health.CheckWithRetry(ctx, project, health.Options{}, 3, 2*time.Second); err == nil && report != nil {
		res.Health = report.State
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (p *Pipeline) resolveTarget(project, to string) (*types.Release, error) {
	if to == "" {
		return p.store.PreviousRelease(project)
	}
	target, err := p.store.GetRelease(project, to)
	if err != nil {
		return nil, err
	}
	if target.IsCurrent {
		return nil, types.E(types.ErrAlreadyCurrent, "release %s is already current", to)
	}
	return target, nil
}

// reportDryRun fills the result with what a real run would do.
func (p *Pipeline) reportDryRun(res *RollbackResult, target *types.Release, opts RollbackOptions) {
	if opts.Full {
		if target.CheckpointID != nil {
			res.skip("restore checkpoint", fmt.Sprintf("would restore checkpoint %d", *target.CheckpointID))
		} else {
			res.skip("restore checkpoint", "release has no associated checkpoint")
		}
		if target.EnvSnapshot != nil {
			res.skip("restore env file", "would restore env snapshot")
		} else {
			res.skip("restore env file", "release has no env snapshot")
		}
	}
	res.skip("activate release", fmt.Sprintf("would switch app symlink to %s", target.ReleasePath))
	res.skip("restart service", "would restart the app unit")
}

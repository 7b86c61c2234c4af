package ratelimit

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

// AutoPause is the failure-burst circuit breaker. The deploy pipeline
// calls CheckAndMaybePause after every failure; a paused project stays
// paused until an operator resumes it.
type AutoPause struct {
	engine *Engine
}

// NewAutoPause wires the breaker onto the rate-limit engine's store
// and defaults.
func NewAutoPause(e *Engine) *AutoPause {
	return &AutoPause{engine: e}
}

func (a *AutoPause) configFor(project string) (*types.AutoPauseConfig, error) {
	c, err := a.engine.store.AutoPauseConfig(project)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	d := a.engine.cfg.AutoPause
	return &types.AutoPauseConfig{
		Project:          project,
		Enabled:          d.Enabled,
		FailureThreshold: d.FailureThreshold,
		WindowMinutes:    d.WindowMinutes,
	}, nil
}

// IsPaused reports whether deploys to the project are suspended.
func (a *AutoPause) IsPaused(project string) (bool, error) {
	c, err := a.engine.store.AutoPauseConfig(project)
	if err != nil {
		return false, err
	}
	return c != nil && c.Paused, nil
}

// CheckAndMaybePause pauses the project when failures inside the
// trailing window reach the threshold. Returns whether the project is
// now paused.
func (a *AutoPause) CheckAndMaybePause(project string) (bool, error) {
	c, err := a.configFor(project)
	if err != nil {
		return false, err
	}
	if !c.Enabled {
		return false, nil
	}
	if c.Paused {
		return true, nil
	}

	now := a.engine.now().UTC()
	windowStart := now.Add(-time.Duration(c.WindowMinutes) * time.Minute)
	failures, err := a.engine.store.CountFailuresSince(project, windowStart)
	if err != nil {
		return false, err
	}
	if failures < c.FailureThreshold {
		return false, nil
	}

	reason := fmt.Sprintf("%d deploy failures within %d minutes", failures, c.WindowMinutes)
	c.Paused = true
	c.PausedAt = &now
	c.PausedReason = &reason

	err = a.engine.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.UpsertAutoPauseConfigTx(tx, c); err != nil {
			return err
		}
		if err := store.UpdateProjectStatusTx(tx, project, types.ProjectPaused); err != nil {
			return err
		}
		return a.engine.journal.EmitTx(tx, project, types.CategoryProject, "project.paused",
			"deploys suspended: "+reason, types.LevelCritical,
			map[string]any{"failures": failures, "window_minutes": c.WindowMinutes})
	})
	if err != nil {
		return false, err
	}
	a.engine.logger.Error().Str("project", project).Str("reason", reason).
		Msg("project auto-paused")
	return true, nil
}

// Resume lifts a pause. Safe to call on a project that is not paused.
func (a *AutoPause) Resume(project string) error {
	c, err := a.configFor(project)
	if err != nil {
		return err
	}
	if !c.Paused {
		return nil
	}
	c.Paused = false
	c.PausedAt = nil
	c.PausedReason = nil

	return a.engine.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.UpsertAutoPauseConfigTx(tx, c); err != nil {
			return err
		}
		if err := store.UpdateProjectStatusTx(tx, project, types.ProjectRunning); err != nil {
			return err
		}
		return a.engine.journal.EmitTx(tx, project, types.CategoryProject, "project.resumed",
			"deploys resumed by operator", types.LevelInfo, nil)
	})
}

// SetConfig stores a per-project auto-pause configuration.
func (a *AutoPause) SetConfig(c *types.AutoPauseConfig) error {
	return a.engine.store.Transaction(func(tx *sqlx.Tx) error {
		return store.UpsertAutoPauseConfigTx(tx, c)
	})
}

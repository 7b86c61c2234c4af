// Package ratelimit gates deploys by trailing-window volume and
// consecutive-failure cooldowns, and pauses projects whose failures
// burst past a threshold. Both engines are stateless between calls:
// deploy history in the store is the only input.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

// BlockReason identifies which rule blocked a deploy.
type BlockReason string

const (
	ReasonWindowExceeded BlockReason = "WINDOW_EXCEEDED"
	ReasonCooldownActive BlockReason = "COOLDOWN_ACTIVE"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Reason    BlockReason
	Detail    string
	Remaining time.Duration // time until a cooldown lifts
}

// Engine evaluates the per-project deploy gates.
type Engine struct {
	store   *store.Store
	journal *journal.Journal
	cfg     *config.Config
	logger  zerolog.Logger

	now func() time.Time
}

// New wires a rate-limit engine.
func New(st *store.Store, jr *journal.Journal, cfg *config.Config) *Engine {
	return &Engine{
		store:   st,
		journal: jr,
		cfg:     cfg,
		logger:  log.WithComponent("ratelimit"),
		now:     time.Now,
	}
}

// configFor returns the project's rate-limit configuration, falling
// back to the host-wide defaults when none is stored.
func (e *Engine) configFor(project string) (*types.RateLimitConfig, error) {
	c, err := e.store.RateLimitConfig(project)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	d := e.cfg.RateLimit
	return &types.RateLimitConfig{
		Project:                 project,
		MaxDeploys:              d.MaxDeploys,
		WindowMinutes:           d.WindowMinutes,
		FailureCooldownMinutes:  d.FailureCooldownMinutes,
		ConsecutiveFailureLimit: d.ConsecutiveFailureLimit,
	}, nil
}

// CheckAllowed decides whether a deploy may proceed. max_deploys=0
// disables rate-limiting entirely.
func (e *Engine) CheckAllowed(project string) (*Decision, error) {
	c, err := e.configFor(project)
	if err != nil {
		return nil, err
	}
	if c.MaxDeploys == 0 {
		return &Decision{Allowed: true}, nil
	}
	now := e.now().UTC()

	windowStart := now.Add(-time.Duration(c.WindowMinutes) * time.Minute)
	count, err := e.store.CountDeploysSince(project, windowStart)
	if err != nil {
		return nil, err
	}
	if count >= c.MaxDeploys {
		return &Decision{
			Allowed: false,
			Reason:  ReasonWindowExceeded,
			Detail: fmt.Sprintf("%d deploys in the last %d minutes (limit %d)",
				count, c.WindowMinutes, c.MaxDeploys),
		}, nil
	}

	// Consecutive-failure cooldown: the last N outcomes all failed and
	// the newest failure is still inside the cooldown.
	recent, err := e.store.RecentDeployRecords(project, c.ConsecutiveFailureLimit)
	if err != nil {
		return nil, err
	}
	if c.ConsecutiveFailureLimit > 0 && len(recent) >= c.ConsecutiveFailureLimit {
		allFailed := true
		for _, r := range recent {
			if r.Outcome != types.OutcomeFailure {
				allFailed = false
				break
			}
		}
		cooldown := time.Duration(c.FailureCooldownMinutes) * time.Minute
		if allFailed {
			lift := recent[0].At.Add(cooldown)
			if remaining := lift.Sub(now); remaining > 0 {
				return &Decision{
					Allowed:   false,
					Reason:    ReasonCooldownActive,
					Remaining: remaining,
					Detail: fmt.Sprintf("%d consecutive failures; cooldown lifts in %s",
						c.ConsecutiveFailureLimit, remaining.Round(time.Second)),
				}, nil
			}
		}
	}

	return &Decision{Allowed: true}, nil
}

// BlockError converts a blocking decision to the typed error the deploy
// gate surfaces.
func (d *Decision) BlockError() error {
	switch d.Reason {
	case ReasonCooldownActive:
		return types.E(types.ErrCooldownActive, "deploys blocked: %s", d.Detail).
			WithSuggestion("wait for the cooldown or pass --override-ratelimit")
	default:
		return types.E(types.ErrRateLimited, "deploys blocked: %s", d.Detail).
			WithSuggestion("wait for the window to pass or pass --override-ratelimit")
	}
}

// RecordOutcome appends one deploy result to the history.
func (e *Engine) RecordOutcome(project string, outcome types.DeployOutcome) error {
	return e.store.Transaction(func(tx *sqlx.Tx) error {
		return store.AppendDeployRecordTx(tx, project, outcome, e.now().UTC())
	})
}

// SetConfig stores a per-project rate-limit configuration.
func (e *Engine) SetConfig(c *types.RateLimitConfig) error {
	return e.store.Transaction(func(tx *sqlx.Tx) error {
		return store.UpsertRateLimitConfigTx(tx, c)
	})
}

// Config exposes the effective configuration for display.
func (e *Engine) Config(project string) (*types.RateLimitConfig, error) {
	return e.configFor(project)
}

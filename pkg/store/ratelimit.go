package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/types"
)

// RateLimitConfig returns a project's admission configuration, or nil when
// none has been stored (callers apply host defaults).
func (s *Store) RateLimitConfig(project string) (*types.RateLimitConfig, error) {
	var c types.RateLimitConfig
	err := s.db.Get(&c, `SELECT * FROM rate_limit_config WHERE project = ?`, project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertRateLimitConfigTx stores per-project overrides.
func UpsertRateLimitConfigTx(tx *sqlx.Tx, c *types.RateLimitConfig) error {
	_, err := tx.NamedExec(`INSERT INTO rate_limit_config
		(project, max_deploys, window_minutes, failure_cooldown_minutes, consecutive_failure_limit)
		VALUES (:project, :max_deploys, :window_minutes, :failure_cooldown_minutes, :consecutive_failure_limit)
		ON CONFLICT(project) DO UPDATE SET
			max_deploys = excluded.max_deploys,
			window_minutes = excluded.window_minutes,
			failure_cooldown_minutes = excluded.failure_cooldown_minutes,
			consecutive_failure_limit = excluded.consecutive_failure_limit`, c)
	return err
}

// AppendDeployRecordTx appends one outcome row to the deploy history.
func AppendDeployRecordTx(tx *sqlx.Tx, project string, outcome types.DeployOutcome, at time.Time) error {
	_, err := tx.Exec(`INSERT INTO deploy_history (project, outcome, at) VALUES (?, ?, ?)`,
		project, outcome, at.UTC())
	return err
}

// CountDeploysSince counts all deploy attempts inside the trailing window.
func (s *Store) CountDeploysSince(project string, since time.Time) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM deploy_history WHERE project = ? AND at >= ?`,
		project, since.UTC())
	return n, err
}

// CountFailuresSince counts failed deploys inside the trailing window.
func (s *Store) CountFailuresSince(project string, since time.Time) (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM deploy_history
		WHERE project = ? AND outcome = ? AND at >= ?`, project, types.OutcomeFailure, since.UTC())
	return n, err
}

// RecentDeployRecords returns the newest n history rows, newest first.
func (s *Store) RecentDeployRecords(project string, n int) ([]*types.DeployRecord, error) {
	var out []*types.DeployRecord
	err := s.db.Select(&out, `SELECT * FROM deploy_history
		WHERE project = ? ORDER BY at DESC, id DESC LIMIT ?`, project, n)
	return out, err
}

// AutoPauseConfig returns a project's auto-pause state, or nil when unset.
func (s *Store) AutoPauseConfig(project string) (*types.AutoPauseConfig, error) {
	var c types.AutoPauseConfig
	err := s.db.Get(&c, `SELECT * FROM auto_pause_config WHERE project = ?`, project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertAutoPauseConfigTx stores the full auto-pause row.
func UpsertAutoPauseConfigTx(tx *sqlx.Tx, c *types.AutoPauseConfig) error {
	_, err := tx.NamedExec(`INSERT INTO auto_pause_config
		(project, enabled, failure_threshold, window_minutes, paused, paused_at, paused_reason)
		VALUES (:project, :enabled, :failure_threshold, :window_minutes, :paused, :paused_at, :paused_reason)
		ON CONFLICT(project) DO UPDATE SET
			enabled = excluded.enabled,
			failure_threshold = excluded.failure_threshold,
			window_minutes = excluded.window_minutes,
			paused = excluded.paused,
			paused_at = excluded.paused_at,
			paused_reason = excluded.paused_reason`, c)
	return err
}

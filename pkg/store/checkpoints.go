package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/types"
)

// CreateCheckpointTx inserts a checkpoint row. ExpiresAt must already be
// set per the retention table (nil for manual checkpoints).
func CreateCheckpointTx(tx *sqlx.Tx, c *types.Checkpoint) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := tx.NamedExec(`INSERT INTO checkpoints
		(project, label, checkpoint_type, trigger_source, database_name,
		 backup_path, size_bytes, created_at, created_by, expires_at)
		VALUES (:project, :label, :checkpoint_type, :trigger_source, :database_name,
		 :backup_path, :size_bytes, :created_at, :created_by, :expires_at)`, c)
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

// GetCheckpoint fetches a checkpoint by id, verifying project ownership.
func (s *Store) GetCheckpoint(project string, id int64) (*types.Checkpoint, error) {
	var c types.Checkpoint
	err := s.db.Get(&c, `SELECT * FROM checkpoints WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.ErrCheckpointNotFound, "checkpoint %d not found", id).
			WithSuggestion("run 'hostkit checkpoint list' to see available checkpoints")
	}
	if err != nil {
		return nil, err
	}
	if c.Project != project {
		return nil, types.E(types.ErrCheckpointMismatch, "checkpoint %d belongs to project %q, not %q", id, c.Project, project)
	}
	return &c, nil
}

// ListCheckpoints returns a project's checkpoints newest first.
func (s *Store) ListCheckpoints(project string) ([]*types.Checkpoint, error) {
	var out []*types.Checkpoint
	err := s.db.Select(&out, `SELECT * FROM checkpoints WHERE project = ? ORDER BY created_at DESC, id DESC`, project)
	return out, err
}

// LatestCheckpoint returns the newest checkpoint, optionally filtered by
// type. Nil when none exist.
func (s *Store) LatestCheckpoint(project string, ctype types.CheckpointType) (*types.Checkpoint, error) {
	q := `SELECT * FROM checkpoints WHERE project = ?`
	args := []any{project}
	if ctype != "" {
		q += ` AND checkpoint_type = ?`
		args = append(args, ctype)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	var c types.Checkpoint
	err := s.db.Get(&c, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ExpiredCheckpoints returns rows whose expires_at is in the past. Manual
// checkpoints have a null expires_at and never match.
func (s *Store) ExpiredCheckpoints(now time.Time) ([]*types.Checkpoint, error) {
	var out []*types.Checkpoint
	err := s.db.Select(&out, `SELECT * FROM checkpoints
		WHERE expires_at IS NOT NULL AND expires_at < ? ORDER BY project, id`, now.UTC())
	return out, err
}

// DeleteCheckpointTx removes the row. The backup file must already be gone:
// the on-disk invariant is file-removed-before-row.
func DeleteCheckpointTx(tx *sqlx.Tx, id int64) error {
	res, err := tx.Exec(`DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.ErrCheckpointNotFound, "checkpoint %d not found", id)
	}
	return nil
}

package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/types"
)

// CreateReleaseTx inserts a release row with is_current=false. The atomic
// symlink switch and SetCurrentReleaseTx happen later, in that order.
func CreateReleaseTx(tx *sqlx.Tx, r *types.Release) error {
	if r.DeployedAt.IsZero() {
		r.DeployedAt = time.Now().UTC()
	}
	res, err := tx.NamedExec(`INSERT INTO releases
		(project, release_name, release_path, deployed_at, is_current, files_synced,
		 deployed_by, checkpoint_id, env_snapshot, git_commit, git_branch, git_tag, git_repo)
		VALUES (:project, :release_name, :release_path, :deployed_at, :is_current, :files_synced,
		 :deployed_by, :checkpoint_id, :env_snapshot, :git_commit, :git_branch, :git_tag, :git_repo)`, r)
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

// GetRelease fetches one release by project and name.
func (s *Store) GetRelease(project, name string) (*types.Release, error) {
	var r types.Release
	err := s.db.Get(&r, `SELECT * FROM releases WHERE project = ? AND release_name = ?`, project, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.ErrReleaseNotFound, "release %q not found for project %q", name, project).
			WithSuggestion("run 'hostkit release list' to see available releases")
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReleases returns releases most recent first, bounded by limit
// (0 means no bound).
func (s *Store) ListReleases(project string, limit int) ([]*types.Release, error) {
	q := `SELECT * FROM releases WHERE project = ? ORDER BY release_name DESC`
	args := []any{project}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []*types.Release
	err := s.db.Select(&out, q, args...)
	return out, err
}

// CurrentRelease returns the release flagged current, or nil when the
// project has no releases yet.
func (s *Store) CurrentRelease(project string) (*types.Release, error) {
	var r types.Release
	err := s.db.Get(&r, `SELECT * FROM releases WHERE project = ? AND is_current = 1`, project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PreviousRelease returns the release immediately prior to the current one.
func (s *Store) PreviousRelease(project string) (*types.Release, error) {
	cur, err := s.CurrentRelease(project)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, types.E(types.ErrNoPreviousRelease, "project %q has no current release", project)
	}
	var r types.Release
	err = s.db.Get(&r, `SELECT * FROM releases
		WHERE project = ? AND release_name < ?
		ORDER BY release_name DESC LIMIT 1`, project, cur.ReleaseName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.ErrNoPreviousRelease, "project %q has no release before %s", project, cur.ReleaseName).
			WithSuggestion("deploy at least twice before rolling back")
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetCurrentReleaseTx flips is_current so that exactly one row per project
// carries it.
func SetCurrentReleaseTx(tx *sqlx.Tx, project, name string) error {
	if _, err := tx.Exec(`UPDATE releases SET is_current = 0 WHERE project = ?`, project); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE releases SET is_current = 1 WHERE project = ? AND release_name = ?`, project, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.ErrReleaseNotFound, "release %q not found for project %q", name, project)
	}
	return nil
}

// UpdateReleaseSyncTx records how many files a deploy materialized.
func UpdateReleaseSyncTx(tx *sqlx.Tx, project, name string, filesSynced int) error {
	_, err := tx.Exec(`UPDATE releases SET files_synced = ? WHERE project = ? AND release_name = ?`,
		filesSynced, project, name)
	return err
}

// UpdateReleaseSnapshotTx associates a checkpoint and/or env snapshot with
// a release for full rollback. Nil arguments leave the column untouched.
func UpdateReleaseSnapshotTx(tx *sqlx.Tx, project, name string, checkpointID *int64, envSnapshot *string) error {
	if checkpointID != nil {
		if _, err := tx.Exec(`UPDATE releases SET checkpoint_id = ? WHERE project = ? AND release_name = ?`,
			*checkpointID, project, name); err != nil {
			return err
		}
	}
	if envSnapshot != nil {
		if _, err := tx.Exec(`UPDATE releases SET env_snapshot = ? WHERE project = ? AND release_name = ?`,
			*envSnapshot, project, name); err != nil {
			return err
		}
	}
	return nil
}

// UpdateReleaseGitTx records git provenance on a release.
func UpdateReleaseGitTx(tx *sqlx.Tx, project, name string, commit, branch, tag, repo *string) error {
	_, err := tx.Exec(`UPDATE releases SET git_commit = ?, git_branch = ?, git_tag = ?, git_repo = ?
		WHERE project = ? AND release_name = ?`, commit, branch, tag, repo, project, name)
	return err
}

// DeleteReleaseTx removes one release row.
func DeleteReleaseTx(tx *sqlx.Tx, project, name string) error {
	_, err := tx.Exec(`DELETE FROM releases WHERE project = ? AND release_name = ?`, project, name)
	return err
}

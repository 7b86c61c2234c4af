package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/types"
)

// CreateScheduledTaskTx inserts a task row. Name uniqueness per project is
// schema-enforced.
func CreateScheduledTaskTx(tx *sqlx.Tx, t *types.ScheduledTask) error {
	res, err := tx.NamedExec(`INSERT INTO scheduled_tasks
		(project, name, schedule, command, description, enabled)
		VALUES (:project, :name, :schedule, :command, :description, :enabled)`, t)
	if err != nil {
		if isConstraint(err) {
			return types.Wrap(types.ErrInvalidKey, err, "task %q already exists for project %q", t.Name, t.Project)
		}
		return err
	}
	t.ID, err = res.LastInsertId()
	return err
}

// GetScheduledTask fetches one task by project and name.
func (s *Store) GetScheduledTask(project, name string) (*types.ScheduledTask, error) {
	var t types.ScheduledTask
	err := s.db.Get(&t, `SELECT * FROM scheduled_tasks WHERE project = ? AND name = ?`, project, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.ErrServiceNotFound, "scheduled task %q not found for project %q", name, project).
			WithSuggestion("run 'hostkit cron list' to see configured tasks")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListScheduledTasks returns a project's tasks ordered by name.
func (s *Store) ListScheduledTasks(project string) ([]*types.ScheduledTask, error) {
	var out []*types.ScheduledTask
	err := s.db.Select(&out, `SELECT * FROM scheduled_tasks WHERE project = ? ORDER BY name`, project)
	return out, err
}

// SetScheduledTaskEnabledTx flips a task's enabled flag.
func SetScheduledTaskEnabledTx(tx *sqlx.Tx, project, name string, enabled bool) error {
	res, err := tx.Exec(`UPDATE scheduled_tasks SET enabled = ? WHERE project = ? AND name = ?`,
		enabled, project, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.ErrServiceNotFound, "scheduled task %q not found for project %q", name, project)
	}
	return nil
}

// RecordTaskRunTx updates the last_run_* bookkeeping after a manual run.
func RecordTaskRunTx(tx *sqlx.Tx, project, name, status string, exitCode int, at time.Time) error {
	_, err := tx.Exec(`UPDATE scheduled_tasks
		SET last_run_at = ?, last_run_status = ?, last_run_exit_code = ?
		WHERE project = ? AND name = ?`, at.UTC(), status, exitCode, project, name)
	return err
}

// DeleteScheduledTaskTx removes a task row.
func DeleteScheduledTaskTx(tx *sqlx.Tx, project, name string) error {
	_, err := tx.Exec(`DELETE FROM scheduled_tasks WHERE project = ? AND name = ?`, project, name)
	return err
}

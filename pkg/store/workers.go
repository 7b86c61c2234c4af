package store

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/types"
)

// UpsertWorkerTx stores a worker definition.
func UpsertWorkerTx(tx *sqlx.Tx, w *types.Worker) error {
	_, err := tx.NamedExec(`INSERT INTO workers
		(project, worker_name, concurrency, queues, app_module, loglevel, enabled)
		VALUES (:project, :worker_name, :concurrency, :queues, :app_module, :loglevel, :enabled)
		ON CONFLICT(project, worker_name) DO UPDATE SET
			concurrency = excluded.concurrency,
			queues = excluded.queues,
			app_module = excluded.app_module,
			loglevel = excluded.loglevel,
			enabled = excluded.enabled`, w)
	return err
}

// GetWorker fetches one worker definition.
func (s *Store) GetWorker(project, name string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.Get(&w, `SELECT * FROM workers WHERE project = ? AND worker_name = ?`, project, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.ErrServiceNotFound, "worker %q not found for project %q", name, project).
			WithSuggestion("run 'hostkit worker list' to see configured workers")
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkers returns a project's worker definitions ordered by name.
func (s *Store) ListWorkers(project string) ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.Select(&out, `SELECT * FROM workers WHERE project = ? ORDER BY worker_name`, project)
	return out, err
}

// DeleteWorkerTx removes a worker definition.
func DeleteWorkerTx(tx *sqlx.Tx, project, name string) error {
	_, err := tx.Exec(`DELETE FROM workers WHERE project = ? AND worker_name = ?`, project, name)
	return err
}

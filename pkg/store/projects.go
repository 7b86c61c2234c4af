package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/types"
)

// CreateProjectTx inserts a project row. Port uniqueness is enforced by
// the schema; violations surface as PROJECT_EXISTS.
func CreateProjectTx(tx *sqlx.Tx, p *types.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := tx.NamedExec(`INSERT INTO projects
		(name, runtime, port, database_index, status, created_at, created_by)
		VALUES (:name, :runtime, :port, :database_index, :status, :created_at, :created_by)`, p)
	if err != nil && isConstraint(err) {
		return types.Wrap(types.ErrProjectExists, err, "project %q already exists (or port %d is taken)", p.Name, p.Port)
	}
	return err
}

// GetProject fetches a project by name.
func (s *Store) GetProject(name string) (*types.Project, error) {
	var p types.Project
	err := s.db.Get(&p, `SELECT * FROM projects WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.ErrProjectNotFound, "project %q not found", name).
			WithSuggestion("run 'hostkit project list' to see existing projects")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns every project ordered by name.
func (s *Store) ListProjects() ([]*types.Project, error) {
	var out []*types.Project
	err := s.db.Select(&out, `SELECT * FROM projects ORDER BY name`)
	return out, err
}

// UpdateProjectStatusTx flips a project's lifecycle status.
func UpdateProjectStatusTx(tx *sqlx.Tx, name string, status types.ProjectStatus) error {
	res, err := tx.Exec(`UPDATE projects SET status = ? WHERE name = ?`, status, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.ErrProjectNotFound, "project %q not found", name)
	}
	return nil
}

// DeleteProjectTx removes the project row. Child rows cascade through
// foreign keys; filesystem and unit teardown is the caller's job and must
// happen before this runs.
func DeleteProjectTx(tx *sqlx.Tx, name string) error {
	res, err := tx.Exec(`DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.ErrProjectNotFound, "project %q not found", name)
	}
	return nil
}

// NextFreePortTx allocates the lowest unused port in [start, end].
func NextFreePortTx(tx *sqlx.Tx, start, end int) (int, error) {
	var used []int
	if err := tx.Select(&used, `SELECT port FROM projects
		UNION SELECT port FROM sidecar_ports ORDER BY port`); err != nil {
		return 0, err
	}
	taken := make(map[int]bool, len(used))
	for _, p := range used {
		taken[p] = true
	}
	for p := start; p <= end; p++ {
		if !taken[p] {
			return p, nil
		}
	}
	return 0, types.E(types.ErrPortExhausted, "no free port in range %d-%d", start, end).
		WithSuggestion("widen the configured port range or delete unused projects")
}

// NextFreeDatabaseIndexTx allocates the lowest unused auxiliary key-value
// store DB number below max. Index 0 is reserved for the host.
func NextFreeDatabaseIndexTx(tx *sqlx.Tx, max int) (int, error) {
	var used []int
	if err := tx.Select(&used, `SELECT database_index FROM projects WHERE database_index IS NOT NULL`); err != nil {
		return 0, err
	}
	taken := make(map[int]bool, len(used))
	for _, i := range used {
		taken[i] = true
	}
	for i := 1; i < max; i++ {
		if !taken[i] {
			return i, nil
		}
	}
	return 0, types.E(types.ErrPortExhausted, "no free database index below %d", max)
}

// SetDatabaseIndexTx records a project's auxiliary key-value DB slot.
func SetDatabaseIndexTx(tx *sqlx.Tx, name string, index int) error {
	_, err := tx.Exec(`UPDATE projects SET database_index = ? WHERE name = ?`, index, name)
	return err
}

func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}

// AllocateSidecarPortTx reserves the next free port for a project sidecar.
// Sidecar reservations and project ports draw from the same range.
func AllocateSidecarPortTx(tx *sqlx.Tx, project string, kind types.ServiceKind, start, end int) (int, error) {
	port, err := NextFreePortTx(tx, start, end)
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(`INSERT INTO sidecar_ports (project, kind, port) VALUES (?, ?, ?)`,
		project, string(kind), port)
	if err != nil {
		return 0, err
	}
	return port, nil
}

// SidecarPorts returns a project's sidecar port reservations by kind.
func (s *Store) SidecarPorts(project string) (map[types.ServiceKind]int, error) {
	rows := []struct {
		Kind string `db:"kind"`
		Port int    `db:"port"`
	}{}
	if err := s.db.Select(&rows, `SELECT kind, port FROM sidecar_ports WHERE project = ?`, project); err != nil {
		return nil, err
	}
	out := make(map[types.ServiceKind]int, len(rows))
	for _, r := range rows {
		out[types.ServiceKind(r.Kind)] = r.Port
	}
	return out, nil
}

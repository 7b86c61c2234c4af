package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/types"
)

// ResourceLimits returns a project's limits row, or nil when none set.
func (s *Store) ResourceLimits(project string) (*types.ResourceLimits, error) {
	var l types.ResourceLimits
	err := s.db.Get(&l, `SELECT * FROM resource_limits WHERE project = ?`, project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpsertResourceLimitsTx stores a project's limits row after validating
// cross-field constraints.
func UpsertResourceLimitsTx(tx *sqlx.Tx, l *types.ResourceLimits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	_, err := tx.NamedExec(`INSERT INTO resource_limits
		(project, cpu_quota_percent, memory_max_mb, memory_high_mb, tasks_max, disk_quota_mb, enabled)
		VALUES (:project, :cpu_quota_percent, :memory_max_mb, :memory_high_mb, :tasks_max, :disk_quota_mb, :enabled)
		ON CONFLICT(project) DO UPDATE SET
			cpu_quota_percent = excluded.cpu_quota_percent,
			memory_max_mb = excluded.memory_max_mb,
			memory_high_mb = excluded.memory_high_mb,
			tasks_max = excluded.tasks_max,
			disk_quota_mb = excluded.disk_quota_mb,
			enabled = excluded.enabled`, l)
	return err
}

// DeleteResourceLimitsTx clears a project's limits row.
func DeleteResourceLimitsTx(tx *sqlx.Tx, project string) error {
	_, err := tx.Exec(`DELETE FROM resource_limits WHERE project = ?`, project)
	return err
}

// AddDomainTx binds a domain name to a project.
func AddDomainTx(tx *sqlx.Tx, d *types.Domain) error {
	_, err := tx.NamedExec(`INSERT INTO domains (domain, project, ssl_provisioned)
		VALUES (:domain, :project, :ssl_provisioned)`, d)
	if err != nil && isConstraint(err) {
		return types.Wrap(types.ErrInvalidKey, err, "domain %q is already bound", d.Domain)
	}
	return err
}

// ListDomains returns domains bound to a project.
func (s *Store) ListDomains(project string) ([]*types.Domain, error) {
	var out []*types.Domain
	err := s.db.Select(&out, `SELECT * FROM domains WHERE project = ? ORDER BY domain`, project)
	return out, err
}

// MarkSSLProvisionedTx records certificate acquisition for a domain and
// appends an attempt row for the audit trail.
func MarkSSLProvisionedTx(tx *sqlx.Tx, domain, project string, ok bool, detail string) error {
	if ok {
		if _, err := tx.Exec(`UPDATE domains SET ssl_provisioned = 1 WHERE domain = ?`, domain); err != nil {
			return err
		}
	}
	_, err := tx.Exec(`INSERT INTO ssl_attempts (domain, project, succeeded, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`, domain, project, ok, detail, time.Now().UTC())
	return err
}

// UpsertOperatorTx stores an operator and their SSH keys.
func UpsertOperatorTx(tx *sqlx.Tx, o *types.Operator) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := tx.NamedExec(`INSERT INTO operators (username, ssh_keys, created_at, last_login)
		VALUES (:username, :ssh_keys, :created_at, :last_login)
		ON CONFLICT(username) DO UPDATE SET ssh_keys = excluded.ssh_keys`, o)
	return err
}

// GetOperator fetches one operator row.
func (s *Store) GetOperator(username string) (*types.Operator, error) {
	var o types.Operator
	err := s.db.Get(&o, `SELECT * FROM operators WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// TouchOperatorLoginTx stamps last_login for audit.
func TouchOperatorLoginTx(tx *sqlx.Tx, username string, at time.Time) error {
	_, err := tx.Exec(`UPDATE operators SET last_login = ? WHERE username = ?`, at.UTC(), username)
	return err
}

// UpsertGitConfigTx stores a project's default repository settings.
func UpsertGitConfigTx(tx *sqlx.Tx, project, repoURL, branch string) error {
	_, err := tx.Exec(`INSERT INTO git_config (project, repo_url, branch, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project) DO UPDATE SET
			repo_url = excluded.repo_url,
			branch = excluded.branch,
			updated_at = excluded.updated_at`,
		project, repoURL, branch, time.Now().UTC())
	return err
}

package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration is one forward-only schema step. Migrations run in order at
// Open time; the schema_version table records the last applied step.
type migration struct {
	name string
	fn   func(tx *sqlx.Tx) error
}

var migrations = []migration{
	{"base_schema", migrateBaseSchema},
	{"release_git_columns", migrateReleaseGitColumns},
	{"auxiliary_tables", migrateAuxiliaryTables},
	{"event_indexes", migrateEventIndexes},
	{"sidecar_ports", migrateSidecarPorts},
}

func (s *Store) migrate() error {
	return s.Transaction(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`); err != nil {
			return err
		}

		var version int
		err := tx.Get(&version, `SELECT version FROM schema_version`)
		if err != nil {
			// Empty table: schema has never been initialized.
			if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
				return err
			}
			version = 0
		}

		for i := version; i < len(migrations); i++ {
			m := migrations[i]
			if err := m.fn(tx); err != nil {
				return fmt.Errorf("migration %q: %w", m.name, err)
			}
			s.logger.Debug().Str("migration", m.name).Msg("applied schema migration")
		}

		_, err = tx.Exec(`UPDATE schema_version SET version = ?`, len(migrations))
		return err
	})
}

func migrateBaseSchema(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE projects (
	name            TEXT PRIMARY KEY,
	runtime         TEXT NOT NULL,
	port            INTEGER NOT NULL UNIQUE,
	database_index  INTEGER,
	status          TEXT NOT NULL DEFAULT 'stopped',
	created_at      TIMESTAMP NOT NULL,
	created_by      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE releases (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	project       TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
	release_name  TEXT NOT NULL,
	release_path  TEXT NOT NULL,
	deployed_at   TIMESTAMP NOT NULL,
	is_current    INTEGER NOT NULL DEFAULT 0,
	files_synced  INTEGER NOT NULL DEFAULT 0,
	deployed_by   TEXT NOT NULL DEFAULT '',
	checkpoint_id INTEGER,
	env_snapshot  TEXT,
	UNIQUE (project, release_name)
);
CREATE INDEX idx_releases_project ON releases(project, release_name DESC);

CREATE TABLE checkpoints (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	project         TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
	label           TEXT,
	checkpoint_type TEXT NOT NULL,
	trigger_source  TEXT NOT NULL DEFAULT '',
	database_name   TEXT NOT NULL,
	backup_path     TEXT NOT NULL,
	size_bytes      INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	created_by      TEXT NOT NULL DEFAULT '',
	expires_at      TIMESTAMP
);
CREATE INDEX idx_checkpoints_project ON checkpoints(project, created_at DESC);
CREATE INDEX idx_checkpoints_expiry ON checkpoints(expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE domains (
	domain          TEXT PRIMARY KEY,
	project         TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
	ssl_provisioned INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE resource_limits (
	project           TEXT PRIMARY KEY REFERENCES projects(name) ON DELETE CASCADE,
	cpu_quota_percent INTEGER,
	memory_max_mb     INTEGER,
	memory_high_mb    INTEGER,
	tasks_max         INTEGER,
	disk_quota_mb     INTEGER,
	enabled           INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE rate_limit_config (
	project                   TEXT PRIMARY KEY REFERENCES projects(name) ON DELETE CASCADE,
	max_deploys               INTEGER NOT NULL,
	window_minutes            INTEGER NOT NULL,
	failure_cooldown_minutes  INTEGER NOT NULL,
	consecutive_failure_limit INTEGER NOT NULL
);

CREATE TABLE deploy_history (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	project TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
	outcome TEXT NOT NULL,
	at      TIMESTAMP NOT NULL
);
CREATE INDEX idx_deploy_history_project ON deploy_history(project, at DESC);

CREATE TABLE auto_pause_config (
	project           TEXT PRIMARY KEY REFERENCES projects(name) ON DELETE CASCADE,
	enabled           INTEGER NOT NULL DEFAULT 1,
	failure_threshold INTEGER NOT NULL,
	window_minutes    INTEGER NOT NULL,
	paused            INTEGER NOT NULL DEFAULT 0,
	paused_at         TIMESTAMP,
	paused_reason     TEXT
);

CREATE TABLE events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project    TEXT NOT NULL,
	category   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	data       TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	created_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE scheduled_tasks (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	project            TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
	name               TEXT NOT NULL,
	schedule           TEXT NOT NULL,
	command            TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	enabled            INTEGER NOT NULL DEFAULT 1,
	last_run_at        TIMESTAMP,
	last_run_status    TEXT,
	last_run_exit_code INTEGER,
	UNIQUE (project, name)
);

CREATE TABLE workers (
	project     TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
	worker_name TEXT NOT NULL,
	concurrency INTEGER NOT NULL DEFAULT 1,
	queues      TEXT NOT NULL DEFAULT '',
	app_module  TEXT NOT NULL DEFAULT '',
	loglevel    TEXT NOT NULL DEFAULT 'info',
	enabled     INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (project, worker_name)
);

CREATE TABLE operators (
	username   TEXT PRIMARY KEY,
	ssh_keys   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	last_login TIMESTAMP
);
`)
	return err
}

func migrateReleaseGitColumns(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
ALTER TABLE releases ADD COLUMN git_commit TEXT;
ALTER TABLE releases ADD COLUMN git_branch TEXT;
ALTER TABLE releases ADD COLUMN git_tag TEXT;
ALTER TABLE releases ADD COLUMN git_repo TEXT;
`)
	return err
}

func migrateAuxiliaryTables(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE ssl_attempts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	domain     TEXT NOT NULL,
	project    TEXT NOT NULL,
	succeeded  INTEGER NOT NULL DEFAULT 0,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE alert_channels (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	target     TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE alert_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project    TEXT NOT NULL,
	channel_id INTEGER,
	message    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE git_config (
	project       TEXT PRIMARY KEY REFERENCES projects(name) ON DELETE CASCADE,
	repo_url      TEXT NOT NULL,
	branch        TEXT NOT NULL DEFAULT 'main',
	deploy_key    TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMP NOT NULL
);
`)
	return err
}

func migrateEventIndexes(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
CREATE INDEX idx_events_project ON events(project, created_at DESC);
CREATE INDEX idx_events_category ON events(category, created_at DESC);
`)
	return err
}

func migrateSidecarPorts(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
CREATE TABLE sidecar_ports (
	project TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
	kind    TEXT NOT NULL,
	port    INTEGER NOT NULL UNIQUE,
	PRIMARY KEY (project, kind)
);
`)
	return err
}

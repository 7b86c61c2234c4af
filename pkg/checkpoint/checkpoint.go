// Package checkpoint creates and restores compressed database dumps.
// Dumps are produced by the database tooling but compressed in-process,
// so a failed dump never leaves a valid-looking archive behind.
package checkpoint

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

// fileLayout names checkpoint archives to second resolution.
const fileLayout = "20060102_150405"

// dumpTimeout bounds the dump and restore subprocesses.
const dumpTimeout = 15 * time.Minute

// Engine creates, restores and expires checkpoints.
type Engine struct {
	store   *store.Store
	journal *journal.Journal
	cfg     *config.Config
	logger  zerolog.Logger

	now func() time.Time
	// admin opens a connection to the maintenance database for
	// drop/create/terminate statements. Tests swap it out.
	admin func(ctx context.Context) (adminConn, error)
}

// adminConn is the slice of pgx.Conn the restore path needs.
type adminConn interface {
	Exec(ctx context.Context, sql string) error
	Close(ctx context.Context) error
}

type pgxAdmin struct{ conn *pgx.Conn }

func (a pgxAdmin) Exec(ctx context.Context, sql string) error {
	_, err := a.conn.Exec(ctx, sql)
	return err
}
func (a pgxAdmin) Close(ctx context.Context) error { return a.conn.Close(ctx) }

// New wires a checkpoint engine.
func New(st *store.Store, jr *journal.Journal, cfg *config.Config) *Engine {
	e := &Engine{
		store:   st,
		journal: jr,
		cfg:     cfg,
		logger:  log.WithComponent("checkpoint"),
		now:     time.Now,
	}
	e.admin = func(ctx context.Context) (adminConn, error) {
		conn, err := pgx.Connect(ctx, cfg.Postgres.AdminDSN())
		if err != nil {
			return nil, types.Wrap(types.ErrRestoreFailed, err, "connect to postgres as admin")
		}
		return pgxAdmin{conn: conn}, nil
	}
	return e
}

func (e *Engine) checkpointDir(project string) string {
	l := fsops.Layout{Project: project, HomeRoot: e.cfg.HomeRoot, BackupRoot: e.cfg.BackupRoot, LogRoot: e.cfg.LogRoot}
	return l.CheckpointDir()
}

// CreateOptions parameterize checkpoint creation.
type CreateOptions struct {
	Label         string
	Type          types.CheckpointType
	TriggerSource string
}

// Create dumps the project database through gzip into the checkpoint
// directory and records the row with its retention expiry. A failed
// dump removes the partial archive.
func (e *Engine) Create(ctx context.Context, project string, opts CreateOptions) (*types.Checkpoint, error) {
	if _, err := e.store.GetProject(project); err != nil {
		return nil, err
	}
	if opts.Type == "" {
		opts.Type = types.CheckpointManual
	}

	dir := e.checkpointDir(project)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, types.Wrap(types.ErrCheckpointFailed, err, "create checkpoint dir")
	}
	now := e.now().UTC()
	path := filepath.Join(dir, fmt.Sprintf("checkpoint_%s.sql.gz", now.Format(fileLayout)))

	if err := e.dumpCompressed(ctx, project, path); err != nil {
		os.Remove(path)
		return nil, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, types.Wrap(types.ErrCheckpointFailed, err, "stat checkpoint archive")
	}

	cp := &types.Checkpoint{
		Project:       project,
		Type:          opts.Type,
		TriggerSource: opts.TriggerSource,
		DatabaseName:  project,
		BackupPath:    path,
		SizeBytes:     fi.Size(),
		CreatedAt:     now,
		CreatedBy:     e.journal.Operator(),
	}
	if opts.Label != "" {
		cp.Label = &opts.Label
	}
	if ttl, ok := types.CheckpointRetention[opts.Type]; ok && ttl > 0 {
		exp := now.Add(ttl)
		cp.ExpiresAt = &exp
	}

	err = e.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.CreateCheckpointTx(tx, cp); err != nil {
			return err
		}
		return e.journal.EmitTx(tx, project, types.CategoryCheckpoint, "checkpoint.created",
			fmt.Sprintf("%s checkpoint created (%d bytes)", cp.Type, cp.SizeBytes),
			types.LevelInfo, map[string]any{"checkpoint_id": cp.ID, "type": string(cp.Type), "size_bytes": cp.SizeBytes})
	})
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	e.logger.Info().Str("project", project).Str("type", string(cp.Type)).
		Int64("size_bytes", cp.SizeBytes).Msg("checkpoint created")
	return cp, nil
}

// dumpCompressed runs pg_dump and gzips its stdout straight to disk.
func (e *Engine) dumpCompressed(ctx context.Context, project, path string) error {
	ctx, cancel := context.WithTimeout(ctx, dumpTimeout)
	defer cancel()

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return types.Wrap(types.ErrCheckpointFailed, err, "open checkpoint archive")
	}
	defer out.Close()
	gz := gzip.NewWriter(out)

	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", e.cfg.Postgres.Host,
		"-p", fmt.Sprint(e.cfg.Postgres.Port),
		"-U", e.cfg.Postgres.AdminUser,
		"--no-owner", "--no-privileges",
		project)
	cmd.Env = append(cmd.Environ(), "PGPASSWORD="+e.cfg.Postgres.AdminPass)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return types.Wrap(types.ErrCheckpointFailed, err, "pipe pg_dump output")
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return types.E(types.ErrCommandNotFound, "pg_dump not found on this host").
				WithSuggestion("install the postgresql client tools")
		}
		return types.Wrap(types.ErrCheckpointFailed, err, "start pg_dump")
	}
	if _, err := io.Copy(gz, stdout); err != nil {
		_ = cmd.Wait()
		return types.Wrap(types.ErrCheckpointFailed, err, "compress dump")
	}
	if err := cmd.Wait(); err != nil {
		return types.Wrap(types.ErrCheckpointFailed, err, "pg_dump for %s", project)
	}
	if err := gz.Close(); err != nil {
		return types.Wrap(types.ErrCheckpointFailed, err, "finalize archive")
	}
	return out.Close()
}

// Restore replaces the project database with a checkpoint's contents.
// The current state is checkpointed first unless disabled, so a bad
// restore is itself recoverable.
func (e *Engine) Restore(ctx context.Context, project string, id int64, createPreRestore bool) error {
	cp, err := e.store.GetCheckpoint(project, id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cp.BackupPath); err != nil {
		return types.E(types.ErrBackupFileMissing, "checkpoint %d archive missing at %s", id, cp.BackupPath).
			WithSuggestion("delete the stale checkpoint row with: hostkit checkpoint delete --force")
	}

	if createPreRestore {
		if _, err := e.Create(ctx, project, CreateOptions{
			Type:          types.CheckpointPreRestore,
			TriggerSource: fmt.Sprintf("restore of checkpoint %d", id),
		}); err != nil {
			return types.Wrap(types.ErrRestoreFailed, err, "create pre-restore checkpoint")
		}
	}

	if err := e.recreateDatabase(ctx, project); err != nil {
		return err
	}
	if err := e.loadDump(ctx, project, cp.BackupPath); err != nil {
		return err
	}

	err = e.store.Transaction(func(tx *sqlx.Tx) error {
		return e.journal.EmitTx(tx, project, types.CategoryCheckpoint, "checkpoint.restored",
			fmt.Sprintf("database restored from checkpoint %d", id),
			types.LevelWarning, map[string]any{"checkpoint_id": id})
	})
	if err != nil {
		return err
	}
	e.logger.Warn().Str("project", project).Int64("checkpoint", id).Msg("database restored")
	return nil
}

// recreateDatabase terminates open connections, drops and recreates the
// project database owned by the project role.
func (e *Engine) recreateDatabase(ctx context.Context, project string) error {
	conn, err := e.admin(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	stmts := []struct {
		stage string
		sql   string
	}{
		{"terminate connections", fmt.Sprintf(
			`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, project)},
		{"drop database", fmt.Sprintf(`DROP DATABASE IF EXISTS "%s"`, project)},
		{"create database", fmt.Sprintf(`CREATE DATABASE "%s" OWNER "%s"`, project, project)},
	}
	for _, s := range stmts {
		if err := conn.Exec(ctx, s.sql); err != nil {
			return types.Wrap(types.ErrRestoreFailed, err, "%s for %s", s.stage, project)
		}
	}
	return nil
}

// loadDump decompresses the archive and feeds it through psql.
func (e *Engine) loadDump(ctx context.Context, project, path string) error {
	ctx, cancel := context.WithTimeout(ctx, dumpTimeout)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return types.Wrap(types.ErrRestoreFailed, err, "open archive")
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return types.Wrap(types.ErrRestoreFailed, err, "archive %s is not valid gzip", path)
	}
	defer gz.Close()

	cmd := exec.CommandContext(ctx, "psql",
		"-h", e.cfg.Postgres.Host,
		"-p", fmt.Sprint(e.cfg.Postgres.Port),
		"-U", e.cfg.Postgres.AdminUser,
		"-v", "ON_ERROR_STOP=1",
		"-d", project)
	cmd.Env = append(cmd.Environ(), "PGPASSWORD="+e.cfg.Postgres.AdminPass)
	cmd.Stdin = gz
	if out, err := cmd.CombinedOutput(); err != nil {
		return types.Wrap(types.ErrRestoreFailed, err, "load dump: %s", tailOf(string(out), 500))
	}
	return nil
}

// Delete removes a checkpoint's archive and row. The force flag is a
// deliberate speed bump for a destructive operation.
func (e *Engine) Delete(ctx context.Context, project string, id int64, force bool) error {
	if !force {
		return types.E(types.ErrCheckpointFailed, "checkpoint deletion requires --force")
	}
	cp, err := e.store.GetCheckpoint(project, id)
	if err != nil {
		return err
	}
	if err := os.Remove(cp.BackupPath); err != nil && !os.IsNotExist(err) {
		return types.Wrap(types.ErrCheckpointFailed, err, "remove archive %s", cp.BackupPath)
	}
	return e.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.DeleteCheckpointTx(tx, id); err != nil {
			return err
		}
		return e.journal.EmitTx(tx, project, types.CategoryCheckpoint, "checkpoint.deleted",
			fmt.Sprintf("checkpoint %d deleted", id), types.LevelInfo,
			map[string]any{"checkpoint_id": id})
	})
}

// Latest returns the newest checkpoint, optionally filtered by type.
func (e *Engine) Latest(project string, ctype types.CheckpointType) (*types.Checkpoint, error) {
	return e.store.LatestCheckpoint(project, ctype)
}

// List returns all checkpoints for a project, newest first.
func (e *Engine) List(project string) ([]*types.Checkpoint, error) {
	return e.store.ListCheckpoints(project)
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Package release manages immutable release directories and the atomic
// app symlink that makes rollback an O(1) pointer swap.
package release

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
	"github.com/jmoiron/sqlx"
)

// timestampLayout names releases to 1-second resolution.
const timestampLayout = "20060102-150405"

// OwnerFunc resolves a project name to its unix uid and gid.
type OwnerFunc func(project string) (uid, gid int, err error)

// Engine creates, activates and retires releases for all projects.
type Engine struct {
	store    *store.Store
	fs       *fsops.Ops
	journal  *journal.Journal
	cfg      *config.Config
	operator string
	logger   zerolog.Logger

	// Owners resolves a project to its unix uid/gid. Replaceable so
	// tests run without real project users.
	Owners OwnerFunc

	now   func() time.Time
	sleep func(time.Duration)
}

// New wires a release engine.
func New(st *store.Store, fs *fsops.Ops, jr *journal.Journal, cfg *config.Config) *Engine {
	return &Engine{
		store:    st,
		fs:       fs,
		journal:  jr,
		cfg:      cfg,
		operator: jr.Operator(),
		logger:   log.WithComponent("release"),
		Owners:   lookupProjectIDs,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

func lookupProjectIDs(project string) (int, int, error) {
	u, err := user.Lookup(project)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup user %s: %w", project, err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	return uid, gid, nil
}

func (e *Engine) layout(project string) fsops.Layout {
	return fsops.Layout{
		Project:    project,
		HomeRoot:   e.cfg.HomeRoot,
		BackupRoot: e.cfg.BackupRoot,
		LogRoot:    e.cfg.LogRoot,
	}
}

// Create allocates the next timestamped release directory and registers
// it as non-current. The symlink is untouched; activation is separate.
// Name collisions at 1-second resolution retry after a pause.
func (e *Engine) Create(ctx context.Context, project string) (*types.Release, error) {
	if _, err := e.store.GetProject(project); err != nil {
		return nil, err
	}
	l := e.layout(project)
	uid, gid, err := e.Owners(project)
	if err != nil {
		return nil, types.Wrap(types.ErrDeployFailed, err, "resolve owner for %s", project)
	}

	var name, path string
	for attempt := 0; ; attempt++ {
		name = e.now().UTC().Format(timestampLayout)
		path = l.ReleaseDir(name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		if attempt >= 5 {
			return nil, types.E(types.ErrDeployFailed, "could not allocate a unique release name for %s", project)
		}
		e.sleep(time.Second)
	}

	if err := e.fs.EnsureDir(l.ReleasesDir(), 0o755, uid, gid); err != nil {
		return nil, types.Wrap(types.ErrDeployFailed, err, "create releases dir")
	}
	if err := e.fs.EnsureDir(path, 0o755, uid, gid); err != nil {
		return nil, types.Wrap(types.ErrDeployFailed, err, "create release dir %s", name)
	}

	rel := &types.Release{
		Project:     project,
		ReleaseName: name,
		ReleasePath: path,
		DeployedAt:  e.now().UTC(),
		DeployedBy:  e.operator,
	}
	err = e.store.Transaction(func(tx *sqlx.Tx) error {
		return store.CreateReleaseTx(tx, rel)
	})
	if err != nil {
		// Roll the directory back so a failed insert leaves no orphan.
		_ = e.fs.RemoveTree(l.ReleasesDir(), path)
		return nil, err
	}
	e.logger.Info().Str("project", project).Str("release", name).Msg("release created")
	return rel, nil
}

// Activate atomically points {home}/app at the named release and flips
// the current marker in the store. Callers must have fully populated
// the release directory before activating.
func (e *Engine) Activate(ctx context.Context, project, name string) error {
	rel, err := e.store.GetRelease(project, name)
	if err != nil {
		return err
	}
	if rel.IsCurrent {
		return types.E(types.ErrAlreadyCurrent, "release %s is already current for %s", name, project)
	}
	if fi, err := os.Stat(rel.ReleasePath); err != nil || !fi.IsDir() {
		return types.E(types.ErrReleasePathMissing, "release directory %s is missing", rel.ReleasePath).
			WithSuggestion("deploy again to create a fresh release")
	}
	uid, gid, err := e.Owners(project)
	if err != nil {
		return types.Wrap(types.ErrActivateFailed, err, "resolve owner for %s", project)
	}

	l := e.layout(project)
	if err := e.fs.AtomicSymlink(rel.ReleasePath, l.AppLink(), uid, gid); err != nil {
		return types.Wrap(types.ErrActivateFailed, err, "switch app symlink for %s", project)
	}
	logger := log.WithRelease(name)
	logger.Info().Str("project", project).Msg("app symlink switched")

	return e.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.SetCurrentReleaseTx(tx, project, name); err != nil {
			return err
		}
		return e.journal.EmitTx(tx, project, types.CategoryDeploy, "release.activated",
			fmt.Sprintf("release %s activated", name), types.LevelInfo,
			map[string]any{"release": name, "path": rel.ReleasePath})
	})
}

// MigrateToReleases converts a legacy in-place app/ directory into the
// release layout: the directory becomes the first release and app turns
// into a symlink pointing at it.
func (e *Engine) MigrateToReleases(ctx context.Context, project string) (*types.Release, error) {
	if _, err := e.store.GetProject(project); err != nil {
		return nil, err
	}
	l := e.layout(project)
	fi, err := os.Lstat(l.AppLink())
	if err != nil {
		return nil, types.Wrap(types.ErrReleasePathMissing, err, "no app directory for %s", project)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, types.E(types.ErrAlreadyCurrent, "%s already uses the release layout", project)
	}
	uid, gid, err := e.Owners(project)
	if err != nil {
		return nil, types.Wrap(types.ErrActivateFailed, err, "resolve owner for %s", project)
	}

	name := e.now().UTC().Format(timestampLayout)
	path := l.ReleaseDir(name)
	if err := e.fs.EnsureDir(l.ReleasesDir(), 0o755, uid, gid); err != nil {
		return nil, err
	}
	if err := os.Rename(l.AppLink(), path); err != nil {
		return nil, types.Wrap(types.ErrActivateFailed, err, "move legacy app dir into releases")
	}
	if err := e.fs.AtomicSymlink(path, l.AppLink(), uid, gid); err != nil {
		// Try to put the legacy directory back where it was.
		_ = os.Rename(path, l.AppLink())
		return nil, types.Wrap(types.ErrActivateFailed, err, "create app symlink")
	}

	rel := &types.Release{
		Project:     project,
		ReleaseName: name,
		ReleasePath: path,
		DeployedAt:  e.now().UTC(),
		DeployedBy:  e.operator,
	}
	err = e.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.CreateReleaseTx(tx, rel); err != nil {
			return err
		}
		if err := store.SetCurrentReleaseTx(tx, project, name); err != nil {
			return err
		}
		return e.journal.EmitTx(tx, project, types.CategoryDeploy, "release.migrated",
			"legacy app directory converted to release layout", types.LevelInfo,
			map[string]any{"release": name})
	})
	if err != nil {
		return nil, err
	}
	rel.IsCurrent = true
	e.logger.Info().Str("project", project).Str("release", name).Msg("migrated to release layout")
	return rel, nil
}

// List returns releases newest first.
func (e *Engine) List(project string, limit int) ([]*types.Release, error) {
	return e.store.ListReleases(project, limit)
}

// Previous returns the release immediately before the current one.
func (e *Engine) Previous(project string) (*types.Release, error) {
	return e.store.PreviousRelease(project)
}

// UpdateSnapshot attaches full-rollback material to a release.
func (e *Engine) UpdateSnapshot(project, name string, checkpointID *int64, envSnapshot *string) error {
	return e.store.Transaction(func(tx *sqlx.Tx) error {
		return store.UpdateReleaseSnapshotTx(tx, project, name, checkpointID, envSnapshot)
	})
}

// CleanupResult summarizes a retention pass.
type CleanupResult struct {
	Removed []string
	Errors  map[string]error
}

// Cleanup removes releases beyond the retention count, newest first.
// The current release is never removed. A failure on one release does
// not stop the others.
func (e *Engine) Cleanup(ctx context.Context, project string) (*CleanupResult, error) {
	keep := e.cfg.ReleaseRetention
	if keep <= 0 {
		keep = 5
	}
	releases, err := e.store.ListReleases(project, 0)
	if err != nil {
		return nil, err
	}
	res := &CleanupResult{Errors: map[string]error{}}
	if len(releases) <= keep {
		return res, nil
	}
	l := e.layout(project)
	for _, rel := range releases[keep:] {
		if rel.IsCurrent {
			continue
		}
		if err := e.removeRelease(l, rel); err != nil {
			res.Errors[rel.ReleaseName] = err
			e.logger.Warn().Str("project", project).Str("release", rel.ReleaseName).
				Err(err).Msg("release cleanup failed")
			continue
		}
		res.Removed = append(res.Removed, rel.ReleaseName)
	}
	if len(res.Removed) > 0 {
		e.logger.Info().Str("project", project).Int("removed", len(res.Removed)).
			Msg("old releases removed")
	}
	return res, nil
}

func (e *Engine) removeRelease(l fsops.Layout, rel *types.Release) error {
	if _, err := os.Stat(rel.ReleasePath); err == nil {
		if err := e.fs.RemoveTree(l.ReleasesDir(), rel.ReleasePath); err != nil {
			return err
		}
	}
	return e.store.Transaction(func(tx *sqlx.Tx) error {
		return store.DeleteReleaseTx(tx, rel.Project, rel.ReleaseName)
	})
}

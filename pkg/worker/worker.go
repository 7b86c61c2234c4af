// Package worker manages long-running queue consumers and the beat
// scheduler companion. A worker's row is the source of truth; its unit
// file is derived state, re-rendered on every change.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
)

const (
	defaultConcurrency = 2
	defaultLogLevel    = "info"
)

// Manager owns worker and beat lifecycle for all projects.
type Manager struct {
	store   *store.Store
	journal *journal.Journal
	units   *systemd.Manager
	cfg     *config.Config
	logger  zerolog.Logger
}

// New wires a worker manager.
func New(st *store.Store, jr *journal.Journal, units *systemd.Manager, cfg *config.Config) *Manager {
	return &Manager{
		store:   st,
		journal: jr,
		units:   units,
		cfg:     cfg,
		logger:  log.WithComponent("worker"),
	}
}

func (m *Manager) layout(project string) fsops.Layout {
	return fsops.Layout{
		Project:    project,
		HomeRoot:   m.cfg.HomeRoot,
		BackupRoot: m.cfg.BackupRoot,
		LogRoot:    m.cfg.LogRoot,
	}
}

func workerUnit(project, name string) string {
	return types.ServiceWorker.UnitName(project, name)
}

func beatUnit(project string) string {
	return "hostkit-" + project + "-beat"
}

// Add books a worker and brings its service up.
func (m *Manager) Add(ctx context.Context, w *types.Worker) error {
	if _, err := m.store.GetProject(w.Project); err != nil {
		return err
	}
	if err := types.ValidateTaskName(w.Name); err != nil {
		return err
	}
	if w.Concurrency <= 0 {
		w.Concurrency = defaultConcurrency
	}
	if w.LogLevel == "" {
		w.LogLevel = defaultLogLevel
	}
	w.Enabled = true

	limits, err := m.store.ResourceLimits(w.Project)
	if err != nil {
		return err
	}
	l := m.layout(w.Project)
	if err := m.units.WriteWorkerUnit(w, &l, limits); err != nil {
		return err
	}
	if err := m.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.UpsertWorkerTx(tx, w); err != nil {
			return err
		}
		return m.journal.EmitTx(tx, w.Project, types.CategoryWorker, "worker.added",
			fmt.Sprintf("worker %s added with concurrency %d", w.Name, w.Concurrency),
			types.LevelInfo, map[string]any{"worker": w.Name, "concurrency": w.Concurrency})
	}); err != nil {
		return err
	}
	return m.units.EnableAndStart(ctx, workerUnit(w.Project, w.Name))
}

// Scale changes a worker's concurrency and restarts it so the new
// process count takes effect.
func (m *Manager) Scale(ctx context.Context, project, name string, concurrency int) error {
	if concurrency <= 0 {
		return types.E(types.ErrInvalidKey, "concurrency must be positive, got %d", concurrency)
	}
	w, err := m.store.GetWorker(project, name)
	if err != nil {
		return err
	}
	prev := w.Concurrency
	w.Concurrency = concurrency

	limits, err := m.store.ResourceLimits(project)
	if err != nil {
		return err
	}
	l := m.layout(project)
	if err := m.units.WriteWorkerUnit(w, &l, limits); err != nil {
		return err
	}
	if err := m.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.UpsertWorkerTx(tx, w); err != nil {
			return err
		}
		return m.journal.EmitTx(tx, project, types.CategoryWorker, "worker.scaled",
			fmt.Sprintf("worker %s scaled %d -> %d", name, prev, concurrency),
			types.LevelInfo, map[string]any{"worker": name, "from": prev, "to": concurrency})
	}); err != nil {
		return err
	}
	if err := m.units.Client().DaemonReload(ctx); err != nil {
		return err
	}
	return m.units.Client().Restart(ctx, workerUnit(project, name))
}

// Remove stops a worker and deletes its definition and unit file.
func (m *Manager) Remove(ctx context.Context, project, name string) error {
	if _, err := m.store.GetWorker(project, name); err != nil {
		return err
	}
	unit := workerUnit(project, name)
	if err := m.units.StopAndDisable(ctx, unit); err != nil {
		m.logger.Warn().Err(err).Str("worker", name).Msg("worker teardown failed, removing anyway")
	}
	if err := m.units.RemoveUnit(unit, "service"); err != nil {
		return err
	}
	if err := m.units.Client().DaemonReload(ctx); err != nil {
		return err
	}
	return m.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.DeleteWorkerTx(tx, project, name); err != nil {
			return err
		}
		return m.journal.EmitTx(tx, project, types.CategoryWorker, "worker.removed",
			fmt.Sprintf("worker %s removed", name),
			types.LevelInfo, map[string]any{"worker": name})
	})
}

// Restart bounces one worker without touching its definition.
func (m *Manager) Restart(ctx context.Context, project, name string) error {
	if _, err := m.store.GetWorker(project, name); err != nil {
		return err
	}
	return m.units.Client().Restart(ctx, workerUnit(project, name))
}

// Status reports one worker's supervisor state.
type Status struct {
	Worker *types.Worker
	Active bool
	PID    int
}

// StatusOf returns the row plus live supervisor state.
func (m *Manager) StatusOf(ctx context.Context, project, name string) (*Status, error) {
	w, err := m.store.GetWorker(project, name)
	if err != nil {
		return nil, err
	}
	s := &Status{Worker: w}
	unit := workerUnit(project, name)
	if active, err := m.units.Client().IsActive(ctx, unit); err == nil {
		s.Active = active
	}
	if s.Active {
		if pid, err := m.units.Client().MainPID(ctx, unit); err == nil {
			s.PID = pid
		}
	}
	return s, nil
}

// List returns the project's worker definitions.
func (m *Manager) List(project string) ([]*types.Worker, error) {
	return m.store.ListWorkers(project)
}

// EnableBeat renders and starts the beat scheduler for a project. The
// app module comes from the project's first worker unless given.
func (m *Manager) EnableBeat(ctx context.Context, project, appModule string) error {
	if _, err := m.store.GetProject(project); err != nil {
		return err
	}
	if appModule == "" {
		workers, err := m.store.ListWorkers(project)
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			return types.E(types.ErrServiceNotFound,
				"project %s has no workers to infer the app module from", project).
				WithSuggestion("add a worker first or pass the app module explicitly")
		}
		appModule = workers[0].AppModule
	}
	l := m.layout(project)
	if err := m.units.WriteBeatUnit(project, appModule, &l); err != nil {
		return err
	}
	if err := m.journal.Emit(project, types.CategoryWorker, "beat.enabled",
		"beat scheduler enabled", types.LevelInfo, map[string]any{"app_module": appModule}); err != nil {
		return err
	}
	return m.units.EnableAndStart(ctx, beatUnit(project))
}

// DisableBeat stops the beat scheduler and removes its unit.
func (m *Manager) DisableBeat(ctx context.Context, project string) error {
	if _, err := m.store.GetProject(project); err != nil {
		return err
	}
	unit := beatUnit(project)
	if err := m.units.StopAndDisable(ctx, unit); err != nil {
		m.logger.Warn().Err(err).Str("project", project).Msg("beat teardown failed, removing anyway")
	}
	if err := m.units.RemoveUnit(unit, "service"); err != nil {
		return err
	}
	if err := m.units.Client().DaemonReload(ctx); err != nil {
		return err
	}
	return m.journal.Emit(project, types.CategoryWorker, "beat.disabled",
		"beat scheduler disabled", types.LevelInfo, nil)
}

// BeatStatus reports whether the beat scheduler is enabled and running.
func (m *Manager) BeatStatus(ctx context.Context, project string) (enabled, active bool, err error) {
	if _, err := m.store.GetProject(project); err != nil {
		return false, false, err
	}
	unit := beatUnit(project)
	enabled, err = m.units.Client().IsEnabled(ctx, unit)
	if err != nil {
		return false, false, err
	}
	active, _ = m.units.Client().IsActive(ctx, unit)
	return enabled, active, nil
}

// RestartAll bounces every enabled worker, one at a time so the queue
// never fully drains its consumers.
func (m *Manager) RestartAll(ctx context.Context, project string) ([]string, error) {
	workers, err := m.store.ListWorkers(project)
	if err != nil {
		return nil, err
	}
	var restarted []string
	for _, w := range workers {
		if !w.Enabled {
			continue
		}
		if err := m.units.Client().Restart(ctx, workerUnit(project, w.Name)); err != nil {
			return restarted, err
		}
		restarted = append(restarted, w.Name)
		// A short gap keeps at least one consumer attached.
		select {
		case <-ctx.Done():
			return restarted, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return restarted, nil
}

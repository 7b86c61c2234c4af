// Package schedule manages recurring per-project tasks. Each task is a
// timer-driven oneshot unit; the store row is the source of truth and
// the rendered units are derived state.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
)

// runTimeout bounds a manual task run.
const runTimeout = time.Hour

// Manager owns the lifecycle of scheduled tasks for all projects.
type Manager struct {
	store   *store.Store
	journal *journal.Journal
	units   *systemd.Manager
	runner  execx.Runner
	cfg     *config.Config
	logger  zerolog.Logger

	now func() time.Time
}

// New wires a task manager.
func New(st *store.Store, jr *journal.Journal, units *systemd.Manager, runner execx.Runner, cfg *config.Config) *Manager {
	return &Manager{
		store:   st,
		journal: jr,
		units:   units,
		runner:  runner,
		cfg:     cfg,
		logger:  log.WithComponent("schedule"),
		now:     time.Now,
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

func timerUnit(project, name string) string {
	return types.ServiceCron.UnitName(project, name) + ".timer"
}

// Add validates, books and renders a new task. The timer is enabled only
// when the task starts out enabled.
func (m *Manager) Add(ctx context.Context, task *types.ScheduledTask) error {
	if _, err := m.store.GetProject(task.Project); err != nil {
		return err
	}
	if err := types.ValidateTaskName(task.Name); err != nil {
		return err
	}
	onCalendar, err := systemd.CronToCalendar(task.Schedule)
	if err != nil {
		return err
	}

	if err := m.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.CreateScheduledTaskTx(tx, task); err != nil {
			return err
		}
		return m.journal.EmitTx(tx, task.Project, types.CategoryCron, "cron.added",
			fmt.Sprintf("scheduled task %s added (%s)", task.Name, task.Schedule),
			types.LevelInfo, map[string]any{"task": task.Name, "schedule": task.Schedule})
	}); err != nil {
		return err
	}

	l := m.layout(task.Project)
	if err := m.renderUnits(ctx, task, &l, onCalendar); err != nil {
		// Keep row and units consistent: a task without units is a lie.
		m.deleteRow(task.Project, task.Name)
		return err
	}
	if task.Enabled {
		return m.units.EnableAndStart(ctx, timerUnit(task.Project, task.Name))
	}
	return nil
}

func (m *Manager) renderUnits(ctx context.Context, task *types.ScheduledTask, l *fsops.Layout, onCalendar string) error {
	if err := m.units.WriteCronUnits(task, l, onCalendar); err != nil {
		return err
	}
	return m.units.Client().DaemonReload(ctx)
}

func (m *Manager) deleteRow(project, name string) {
	err := m.store.Transaction(func(tx *sqlx.Tx) error {
		return store.DeleteScheduledTaskTx(tx, project, name)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("project", project).Str("task", name).Msg("orphaned task row")
	}
}

// Remove tears a task down: timer stopped, unit files removed, row gone.
func (m *Manager) Remove(ctx context.Context, project, name string) error {
	task, err := m.store.GetScheduledTask(project, name)
	if err != nil {
		return err
	}
	if err := m.units.StopAndDisable(ctx, timerUnit(project, name)); err != nil {
		m.logger.Warn().Err(err).Str("task", name).Msg("timer teardown failed, removing anyway")
	}
	base := types.ServiceCron.UnitName(project, name)
	if err := m.units.RemoveUnit(base, "timer"); err != nil {
		return err
	}
	if err := m.units.RemoveUnit(base, "service"); err != nil {
		return err
	}
	if err := m.units.Client().DaemonReload(ctx); err != nil {
		return err
	}
	return m.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.DeleteScheduledTaskTx(tx, project, name); err != nil {
			return err
		}
		return m.journal.EmitTx(tx, project, types.CategoryCron, "cron.removed",
			fmt.Sprintf("scheduled task %s removed", task.Name),
			types.LevelInfo, map[string]any{"task": task.Name})
	})
}

// Enable flips the task on and starts its timer.
func (m *Manager) Enable(ctx context.Context, project, name string) error {
	if err := m.setEnabled(project, name, true); err != nil {
		return err
	}
	return m.units.EnableAndStart(ctx, timerUnit(project, name))
}

// Disable stops the timer. The oneshot service itself is left alone; an
// in-flight run finishes.
func (m *Manager) Disable(ctx context.Context, project, name string) error {
	if err := m.setEnabled(project, name, false); err != nil {
		return err
	}
	return m.units.StopAndDisable(ctx, timerUnit(project, name))
}

func (m *Manager) setEnabled(project, name string, enabled bool) error {
	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	return m.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.SetScheduledTaskEnabledTx(tx, project, name, enabled); err != nil {
			return err
		}
		return m.journal.EmitTx(tx, project, types.CategoryCron, "cron."+verb,
			fmt.Sprintf("scheduled task %s %s", name, verb),
			types.LevelInfo, map[string]any{"task": name})
	})
}

// RunResult reports one manual task execution.
type RunResult struct {
	Status   string
	ExitCode int
	Output   string
	Duration time.Duration
}

// RunNow executes the task command immediately, outside its timer, and
// books the outcome on the row.
func (m *Manager) RunNow(ctx context.Context, project, name string) (*RunResult, error) {
	task, err := m.store.GetScheduledTask(project, name)
	if err != nil {
		return nil, err
	}
	l := m.layout(project)

	start := m.now()
	res, runErr := m.runner.Run(ctx, execx.Cmd{
		Name:    "/bin/sh",
		Args:    []string{"-c", task.Command},
		Dir:     l.AppLink(),
		Timeout: runTimeout,
	})
	out := &RunResult{Status: "success", Duration: time.Since(start)}
	if res != nil {
		out.ExitCode = res.ExitCode
		out.Output = res.Stdout + res.Stderr
	}
	if runErr != nil {
		out.Status = "failure"
		if res == nil {
			out.ExitCode = -1
		}
	}

	level := types.LevelInfo
	if out.Status == "failure" {
		level = types.LevelWarning
	}
	if err := m.store.Transaction(func(tx *sqlx.Tx) error {
		if err := store.RecordTaskRunTx(tx, project, name, out.Status, out.ExitCode, start); err != nil {
			return err
		}
		return m.journal.EmitTx(tx, project, types.CategoryCron, "cron.ran",
			fmt.Sprintf("scheduled task %s ran manually: %s", name, out.Status),
			level, map[string]any{"task": name, "exit_code": out.ExitCode})
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// NextRun reports when the timer fires next. The zero time means the
// timer has no scheduled elapse (disabled or never loaded).
func (m *Manager) NextRun(ctx context.Context, project, name string) (time.Time, error) {
	if _, err := m.store.GetScheduledTask(project, name); err != nil {
		return time.Time{}, err
	}
	return m.units.Client().NextElapse(ctx, timerUnit(project, name))
}

// List returns the project's tasks.
func (m *Manager) List(project string) ([]*types.ScheduledTask, error) {
	return m.store.ListScheduledTasks(project)
}

// Get returns one task row.
func (m *Manager) Get(project, name string) (*types.ScheduledTask, error) {
	return m.store.GetScheduledTask(project, name)
}

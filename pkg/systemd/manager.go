package systemd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/types"
)

// Manager renders unit files into the unit directory and drives their
// lifecycle through a Client. All writes go through WriteUnit so the
// managed-file marker and permissions stay uniform.
type Manager struct {
	client  Client
	unitDir string
	logger  zerolog.Logger
}

// NewManager returns a Manager writing units under unitDir (normally
// /etc/systemd/system).
func NewManager(client Client, unitDir string) *Manager {
	return &Manager{
		client:  client,
		unitDir: unitDir,
		logger:  log.WithComponent("systemd"),
	}
}

// Client exposes the lifecycle client for callers that need it directly.
func (m *Manager) Client() Client { return m.client }

// UnitPath returns the on-disk path for a unit base name and extension.
func (m *Manager) UnitPath(name, ext string) string {
	return filepath.Join(m.unitDir, name+"."+ext)
}

// WriteUnit writes rendered unit content. Refuses to overwrite a file
// that exists but lacks the managed marker, so hand-written units
// survive a name collision.
func (m *Manager) WriteUnit(name, ext string, content []byte) error {
	path := m.UnitPath(name, ext)
	if existing, err := os.ReadFile(path); err == nil {
		if !bytes.HasPrefix(existing, []byte(Marker)) {
			return types.E(types.ErrSystemd,
				"unit file %s exists but was not written by hostkit", path)
		}
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return types.Wrap(types.ErrSystemd, err, "write unit file %s", path)
	}
	m.logger.Debug().Str("unit", name+"."+ext).Msg("unit file written")
	return nil
}

// RemoveUnit deletes a rendered unit file. Missing files are fine;
// unmanaged files are left alone.
func (m *Manager) RemoveUnit(name, ext string) error {
	path := m.UnitPath(name, ext)
	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return types.Wrap(types.ErrSystemd, err, "read unit file %s", path)
	}
	if !bytes.HasPrefix(existing, []byte(Marker)) {
		m.logger.Warn().Str("path", path).Msg("skipping removal of unmanaged unit file")
		return nil
	}
	return os.Remove(path)
}

// WriteAppUnit renders the main application service for a project.
func (m *Manager) WriteAppUnit(p *types.Project, layout *fsops.Layout, limits *types.ResourceLimits) error {
	params := serviceParams{
		Description: fmt.Sprintf("%s application (%s)", p.Name, p.Runtime),
		After:       []string{"postgresql.service"},
		Type:        "simple",
		User:        p.Name,
		WorkingDir:  layout.AppLink(),
		EnvFile:     layout.EnvFile(),
		ExecStart:   appExecStart(p.Runtime, layout.Home(), p.Port),
		Restart:     "always",
		LogDir:      layout.LogDir(),
		LogName:     "app",
		Directives:  resourceDirectives(limits),
	}
	content, err := renderService(params)
	if err != nil {
		return err
	}
	return m.WriteUnit(types.ServiceApp.UnitName(p.Name, ""), "service", content)
}

// WriteWorkerUnit renders a queue-consumer service.
func (m *Manager) WriteWorkerUnit(w *types.Worker, layout *fsops.Layout, limits *types.ResourceLimits) error {
	params := serviceParams{
		Description: fmt.Sprintf("%s worker %s", w.Project, w.Name),
		After:       []string{"redis.service"},
		Type:        "simple",
		User:        w.Project,
		WorkingDir:  layout.AppLink(),
		EnvFile:     layout.EnvFile(),
		ExecStart:   workerExecStart(w, layout.Home()),
		Restart:     "always",
		LogDir:      layout.LogDir(),
		LogName:     "worker-" + w.Name,
		Directives:  resourceDirectives(limits),
	}
	content, err := renderService(params)
	if err != nil {
		return err
	}
	return m.WriteUnit(types.ServiceWorker.UnitName(w.Project, w.Name), "service", content)
}

// WriteBeatUnit renders the periodic-task scheduler companion that ships
// with the worker stack.
func (m *Manager) WriteBeatUnit(project, appModule string, layout *fsops.Layout) error {
	params := serviceParams{
		Description: fmt.Sprintf("%s task scheduler", project),
		After:       []string{"redis.service"},
		Type:        "simple",
		User:        project,
		WorkingDir:  layout.AppLink(),
		EnvFile:     layout.EnvFile(),
		ExecStart:   beatExecStart(appModule, layout.Home()),
		Restart:     "always",
		LogDir:      layout.LogDir(),
		LogName:     "beat",
	}
	content, err := renderService(params)
	if err != nil {
		return err
	}
	return m.WriteUnit("hostkit-"+project+"-beat", "service", content)
}

// WriteCronUnits renders the oneshot service and its timer for a
// scheduled task. The schedule must already be in OnCalendar form.
func (m *Manager) WriteCronUnits(task *types.ScheduledTask, layout *fsops.Layout, onCalendar string) error {
	name := types.ServiceCron.UnitName(task.Project, task.Name)
	desc := fmt.Sprintf("%s scheduled task %s", task.Project, task.Name)
	if task.Description != "" {
		desc = task.Description
	}
	svc, err := renderService(serviceParams{
		Description: desc,
		Type:        "oneshot",
		User:        task.Project,
		WorkingDir:  layout.AppLink(),
		EnvFile:     layout.EnvFile(),
		ExecStart:   "/bin/sh -c " + shellEscape(task.Command),
		LogDir:      layout.LogDir(),
		LogName:     "cron-" + task.Name,
	})
	if err != nil {
		return err
	}
	if err := m.WriteUnit(name, "service", svc); err != nil {
		return err
	}
	timer, err := renderTimer(timerParams{Description: desc, OnCalendar: onCalendar})
	if err != nil {
		return err
	}
	return m.WriteUnit(name, "timer", timer)
}

// WriteSidecarUnit renders one of the optional per-project services.
func (m *Manager) WriteSidecarUnit(kind types.ServiceKind, project string, port int, layout *fsops.Layout) error {
	params := serviceParams{
		Description: fmt.Sprintf("%s %s sidecar", project, kind),
		Type:        "simple",
		User:        project,
		WorkingDir:  layout.Home(),
		EnvFile:     layout.EnvFile(),
		ExecStart:   fmt.Sprintf("/usr/lib/hostkit/%sd --project %s --port %d", kind, project, port),
		Restart:     "always",
		LogDir:      layout.LogDir(),
		LogName:     string(kind),
	}
	content, err := renderService(params)
	if err != nil {
		return err
	}
	return m.WriteUnit(kind.UnitName(project, ""), "service", content)
}

// EnableAndStart reloads the daemon, enables the unit and starts it.
func (m *Manager) EnableAndStart(ctx context.Context, unit string) error {
	if err := m.client.DaemonReload(ctx); err != nil {
		return err
	}
	if err := m.client.Enable(ctx, unit); err != nil {
		return err
	}
	return m.client.Start(ctx, unit)
}

// StopAndDisable stops the unit and disables it. Stop failures on
// inactive units are tolerated so teardown stays idempotent.
func (m *Manager) StopAndDisable(ctx context.Context, unit string) error {
	if err := m.client.Stop(ctx, unit); err != nil {
		active, aerr := m.client.IsActive(ctx, unit)
		if aerr == nil && !active {
			m.logger.Debug().Str("unit", unit).Msg("stop of inactive unit ignored")
		} else {
			return err
		}
	}
	return m.client.Disable(ctx, unit)
}

// ProjectUnits lists every unit base name hostkit may have rendered for
// a project, from the closed service-kind set plus its workers and tasks.
func ProjectUnits(project string, workers []*types.Worker, tasks []*types.ScheduledTask) []string {
	units := []string{types.ServiceApp.UnitName(project, "")}
	for _, w := range workers {
		units = append(units, types.ServiceWorker.UnitName(project, w.Name))
	}
	units = append(units, "hostkit-"+project+"-beat")
	for _, t := range tasks {
		units = append(units, types.ServiceCron.UnitName(project, t.Name))
	}
	for _, kind := range types.SidecarKinds {
		units = append(units, kind.UnitName(project, ""))
	}
	return units
}

// WaitActive polls a unit until it is active or the deadline passes.
func (m *Manager) WaitActive(ctx context.Context, unit string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		active, err := m.client.IsActive(ctx, unit)
		if err == nil && active {
			return nil
		}
		if time.Now().After(deadline) {
			return types.E(types.ErrServiceStartFailed,
				"unit %s did not become active within %s", unit, timeout).
				WithSuggestion(fmt.Sprintf("inspect startup logs with: hostkit logs %s", strings.TrimPrefix(unit, "hostkit-")))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func renderService(p serviceParams) ([]byte, error) {
	var buf bytes.Buffer
	if err := serviceTmpl.Execute(&buf, p); err != nil {
		return nil, types.Wrap(types.ErrSystemd, err, "render service unit")
	}
	return buf.Bytes(), nil
}

func renderTimer(p timerParams) ([]byte, error) {
	var buf bytes.Buffer
	if err := timerTmpl.Execute(&buf, p); err != nil {
		return nil, types.Wrap(types.ErrSystemd, err, "render timer unit")
	}
	return buf.Bytes(), nil
}

package schedule

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
)

func testManager(t *testing.T) (*Manager, *store.Store, *systemd.FakeClient, *config.Config) {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.HomeRoot = filepath.Join(root, "home")
	cfg.LogRoot = filepath.Join(root, "logs")
	cfg.UnitDir = filepath.Join(root, "units")
	require.NoError(t, os.MkdirAll(cfg.UnitDir, 0o755))

	fake := systemd.NewFakeClient()
	m := New(st, journal.New(st, "tester"), systemd.NewManager(fake, cfg.UnitDir), execx.New(), cfg)
	return m, st, fake, cfg
}

func seedProject(t *testing.T, st *store.Store, cfg *config.Config, name string) {
	t.Helper()
	// RunNow executes inside the app directory.
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.HomeRoot, name, "app"), 0o755))
	require.NoError(t, st.Transaction(func(tx *sqlx.Tx) error {
		return store.CreateProjectTx(tx, &types.Project{
			Name:      name,
			Runtime:   types.RuntimePython,
			Port:      8001,
			Status:    types.ProjectRunning,
			CreatedBy: "tester",
		})
	}))
}

func task(name, schedule, command string, enabled bool) *types.ScheduledTask {
	return &types.ScheduledTask{
		Project:  "shopapi",
		Name:     name,
		Schedule: schedule,
		Command:  command,
		Enabled:  enabled,
	}
}

func TestAddTask(t *testing.T) {
	m, st, fake, cfg := testManager(t)
	seedProject(t, st, cfg, "shopapi")

	require.NoError(t, m.Add(context.Background(), task("nightly-report", "0 3 * * *", "python manage.py report", true)))

	stored, err := st.GetScheduledTask("shopapi", "nightly-report")
	require.NoError(t, err)
	assert.True(t, stored.Enabled)

	svc, err := os.ReadFile(filepath.Join(cfg.UnitDir, "hostkit-shopapi-cron-nightly-report.service"))
	require.NoError(t, err)
	assert.Contains(t, string(svc), "Type=oneshot")
	assert.Contains(t, string(svc), "python manage.py report")

	timer, err := os.ReadFile(filepath.Join(cfg.UnitDir, "hostkit-shopapi-cron-nightly-report.timer"))
	require.NoError(t, err)
	assert.Contains(t, string(timer), "OnCalendar=*-*-* 03:00:00")

	assert.Contains(t, fake.Calls, "enable hostkit-shopapi-cron-nightly-report.timer")
	assert.Contains(t, fake.Calls, "start hostkit-shopapi-cron-nightly-report.timer")
}

func TestAddTaskDisabledDoesNotStartTimer(t *testing.T) {
	m, st, fake, cfg := testManager(t)
	seedProject(t, st, cfg, "shopapi")

	require.NoError(t, m.Add(context.Background(), task("cleanup", "@daily", "rm -rf tmp/*", false)))
	for _, call := range fake.Calls {
		assert.NotContains(t, call, "start ")
	}
}

func TestAddTaskInvalidSchedule(t *testing.T) {
	m, st, _, cfg := testManager(t)
	seedProject(t, st, cfg, "shopapi")

	err := m.Add(context.Background(), task("bad", "0 3 * *", "true", true))
	assert.Equal(t, types.ErrInvalidCron, types.CodeOf(err))

	tasks, listErr := st.ListScheduledTasks("shopapi")
	require.NoError(t, listErr)
	assert.Empty(t, tasks, "an invalid schedule must not book a row")
}

func TestAddTaskInvalidName(t *testing.T) {
	m, st, _, cfg := testManager(t)
	seedProject(t, st, cfg, "shopapi")
	err := m.Add(context.Background(), task("Bad Name!", "@daily", "true", true))
	assert.Equal(t, types.ErrInvalidKey, types.CodeOf(err))
}

func TestAddTaskUnknownProject(t *testing.T) {
	m, _, _, _ := testManager(t)
	tk := task("nightly", "@daily", "true", true)
	tk.Project = "ghost"
	err := m.Add(context.Background(), tk)
	assert.Equal(t, types.ErrProjectNotFound, types.CodeOf(err))
}

func TestRemoveTask(t *testing.T) {
	m, st, fake, cfg := testManager(t)
	seedProject(t, st, cfg, "shopapi")
	require.NoError(t, m.Add(context.Background(), task("nightly", "@daily", "true", true)))

	require.NoError(t, m.Remove(context.Background(), "shopapi", "nightly"))

	_, err := st.GetScheduledTask("shopapi", "nightly")
	assert.Equal(t, types.ErrServiceNotFound, types.CodeOf(err))
	assert.NoFileExists(t, filepath.Join(cfg.UnitDir, "hostkit-shopapi-cron-nightly.service"))
	assert.NoFileExists(t, filepath.Join(cfg.UnitDir, "hostkit-shopapi-cron-nightly.timer"))
	assert.Contains(t, fake.Calls, "stop hostkit-shopapi-cron-nightly.timer")
	assert.Contains(t, fake.Calls, "disable hostkit-shopapi-cron-nightly.timer")
}

func TestEnableDisable(t *testing.T) {
	m, st, fake, cfg := testManager(t)
	seedProject(t, st, cfg, "shopapi")
	require.NoError(t, m.Add(context.Background(), task("nightly", "@daily", "true", false)))

	require.NoError(t, m.Enable(context.Background(), "shopapi", "nightly"))
	stored, err := st.GetScheduledTask("shopapi", "nightly")
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.Contains(t, fake.Calls, "start hostkit-shopapi-cron-nightly.timer")

	require.NoError(t, m.Disable(context.Background(), "shopapi", "nightly"))
	stored, err = st.GetScheduledTask("shopapi", "nightly")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Contains(t, fake.Calls, "stop hostkit-shopapi-cron-nightly.timer")
}

func TestRunNowRecordsOutcome(t *testing.T) {
	m, st, _, cfg := testManager(t)
	seedProject(t, st, cfg, "shopapi")
	require.NoError(t, m.Add(context.Background(), task("echoer", "@daily", "echo done", true)))

	res, err := m.RunNow(context.Background(), "shopapi", "echoer")
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "done")

	stored, err := st.GetScheduledTask("shopapi", "echoer")
	require.NoError(t, err)
	require.NotNil(t, stored.LastRunStatus)
	assert.Equal(t, "success", *stored.LastRunStatus)
	require.NotNil(t, stored.LastRunExitCode)
	assert.Equal(t, 0, *stored.LastRunExitCode)
	assert.NotNil(t, stored.LastRunAt)
}

func TestRunNowFailureCapturesExitCode(t *testing.T) {
	m, st, _, cfg := testManager(t)
	seedProject(t, st, cfg, "shopapi")
	require.NoError(t, m.Add(context.Background(), task("broken", "@daily", "exit 3", true)))

	res, err := m.RunNow(context.Background(), "shopapi", "broken")
	require.NoError(t, err, "a failing command is an outcome, not an error")
	assert.Equal(t, "failure", res.Status)
	assert.Equal(t, 3, res.ExitCode)

	stored, err := st.GetScheduledTask("shopapi", "broken")
	require.NoError(t, err)
	require.NotNil(t, stored.LastRunExitCode)
	assert.Equal(t, 3, *stored.LastRunExitCode)
}

func TestNextRun(t *testing.T) {
	m, st, fake, cfg := testManager(t)
	seedProject(t, st, cfg, "shopapi")
	require.NoError(t, m.Add(context.Background(), task("nightly", "@daily", "true", true)))

	at := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	fake.SetNextElapse("hostkit-shopapi-cron-nightly.timer", at)

	next, err := m.NextRun(context.Background(), "shopapi", "nightly")
	require.NoError(t, err)
	assert.Equal(t, at, next)
}

func TestDuplicateTaskName(t *testing.T) {
	m, st, _, cfg := testManager(t)
	seedProject(t, st, cfg, "shopapi")
	require.NoError(t, m.Add(context.Background(), task("nightly", "@daily", "true", false)))
	err := m.Add(context.Background(), task("nightly", "@hourly", "false", false))
	assert.Equal(t, types.ErrInvalidKey, types.CodeOf(err))
}

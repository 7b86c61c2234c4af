package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostkit/hostkit/pkg/config"
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
	m := New(st, journal.New(st, "tester"), systemd.NewManager(fake, cfg.UnitDir), cfg)
	return m, st, fake, cfg
}

func seedProject(t *testing.T, st *store.Store, name string) {
	t.Helper()
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

func emailWorker() *types.Worker {
	return &types.Worker{
		Project:     "shopapi",
		Name:        "emails",
		Concurrency: 4,
		Queues:      "emails,notifications",
		AppModule:   "app.celery",
		LogLevel:    "info",
	}
}

func TestAddWorker(t *testing.T) {
	m, st, fake, cfg := testManager(t)
	seedProject(t, st, "shopapi")

	require.NoError(t, m.Add(context.Background(), emailWorker()))

	stored, err := st.GetWorker("shopapi", "emails")
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Concurrency)
	assert.True(t, stored.Enabled)

	unit, err := os.ReadFile(filepath.Join(cfg.UnitDir, "hostkit-shopapi-worker-emails.service"))
	require.NoError(t, err)
	assert.Contains(t, string(unit), "--concurrency=4")
	assert.Contains(t, string(unit), "-Q emails,notifications")
	assert.Contains(t, fake.Calls, "enable hostkit-shopapi-worker-emails")
	assert.Contains(t, fake.Calls, "start hostkit-shopapi-worker-emails")
}

func TestAddWorkerDefaults(t *testing.T) {
	m, st, _, cfg := testManager(t)
	seedProject(t, st, "shopapi")

	w := &types.Worker{Project: "shopapi", Name: "default", AppModule: "app.celery"}
	require.NoError(t, m.Add(context.Background(), w))

	stored, err := st.GetWorker("shopapi", "default")
	require.NoError(t, err)
	assert.Equal(t, defaultConcurrency, stored.Concurrency)
	assert.Equal(t, defaultLogLevel, stored.LogLevel)

	unit, err := os.ReadFile(filepath.Join(cfg.UnitDir, "hostkit-shopapi-worker-default.service"))
	require.NoError(t, err)
	assert.NotContains(t, string(unit), "-Q ", "no queues directive without queues")
}

func TestAddWorkerUnknownProject(t *testing.T) {
	m, _, _, _ := testManager(t)
	w := emailWorker()
	w.Project = "ghost"
	err := m.Add(context.Background(), w)
	assert.Equal(t, types.ErrProjectNotFound, types.CodeOf(err))
}

func TestScaleWorker(t *testing.T) {
	m, st, fake, cfg := testManager(t)
	seedProject(t, st, "shopapi")
	require.NoError(t, m.Add(context.Background(), emailWorker()))

	require.NoError(t, m.Scale(context.Background(), "shopapi", "emails", 8))

	stored, err := st.GetWorker("shopapi", "emails")
	require.NoError(t, err)
	assert.Equal(t, 8, stored.Concurrency)

	unit, err := os.ReadFile(filepath.Join(cfg.UnitDir, "hostkit-shopapi-worker-emails.service"))
	require.NoError(t, err)
	assert.Contains(t, string(unit), "--concurrency=8")
	assert.Contains(t, fake.Calls, "restart hostkit-shopapi-worker-emails")
}

func TestScaleRejectsNonPositive(t *testing.T) {
	m, st, _, _ := testManager(t)
	seedProject(t, st, "shopapi")
	require.NoError(t, m.Add(context.Background(), emailWorker()))
	err := m.Scale(context.Background(), "shopapi", "emails", 0)
	assert.Equal(t, types.ErrInvalidKey, types.CodeOf(err))
}

func TestScaleUnknownWorker(t *testing.T) {
	m, st, _, _ := testManager(t)
	seedProject(t, st, "shopapi")
	err := m.Scale(context.Background(), "shopapi", "ghost", 2)
	assert.Equal(t, types.ErrServiceNotFound, types.CodeOf(err))
}

func TestRemoveWorker(t *testing.T) {
	m, st, fake, cfg := testManager(t)
	seedProject(t, st, "shopapi")
	require.NoError(t, m.Add(context.Background(), emailWorker()))

	require.NoError(t, m.Remove(context.Background(), "shopapi", "emails"))

	_, err := st.GetWorker("shopapi", "emails")
	assert.Equal(t, types.ErrServiceNotFound, types.CodeOf(err))
	assert.NoFileExists(t, filepath.Join(cfg.UnitDir, "hostkit-shopapi-worker-emails.service"))
	assert.Contains(t, fake.Calls, "stop hostkit-shopapi-worker-emails")
	assert.Contains(t, fake.Calls, "disable hostkit-shopapi-worker-emails")
}

func TestWorkerStatus(t *testing.T) {
	m, st, fake, _ := testManager(t)
	seedProject(t, st, "shopapi")
	require.NoError(t, m.Add(context.Background(), emailWorker()))
	fake.SetActive("hostkit-shopapi-worker-emails", true)
	fake.SetPID("hostkit-shopapi-worker-emails", 4242)

	s, err := m.StatusOf(context.Background(), "shopapi", "emails")
	require.NoError(t, err)
	assert.True(t, s.Active)
	assert.Equal(t, 4242, s.PID)
	assert.Equal(t, "emails", s.Worker.Name)
}

func TestEnableBeatInfersAppModule(t *testing.T) {
	m, st, fake, cfg := testManager(t)
	seedProject(t, st, "shopapi")
	require.NoError(t, m.Add(context.Background(), emailWorker()))

	require.NoError(t, m.EnableBeat(context.Background(), "shopapi", ""))

	unit, err := os.ReadFile(filepath.Join(cfg.UnitDir, "hostkit-shopapi-beat.service"))
	require.NoError(t, err)
	assert.Contains(t, string(unit), "app.celery")
	assert.Contains(t, fake.Calls, "start hostkit-shopapi-beat")
}

func TestEnableBeatWithoutWorkers(t *testing.T) {
	m, st, _, _ := testManager(t)
	seedProject(t, st, "shopapi")
	err := m.EnableBeat(context.Background(), "shopapi", "")
	assert.Equal(t, types.ErrServiceNotFound, types.CodeOf(err))
}

func TestDisableBeat(t *testing.T) {
	m, st, fake, cfg := testManager(t)
	seedProject(t, st, "shopapi")
	require.NoError(t, m.Add(context.Background(), emailWorker()))
	require.NoError(t, m.EnableBeat(context.Background(), "shopapi", ""))

	require.NoError(t, m.DisableBeat(context.Background(), "shopapi"))
	assert.NoFileExists(t, filepath.Join(cfg.UnitDir, "hostkit-shopapi-beat.service"))
	assert.Contains(t, fake.Calls, "stop hostkit-shopapi-beat")
}

func TestRestartAllSkipsDisabled(t *testing.T) {
	m, st, fake, _ := testManager(t)
	seedProject(t, st, "shopapi")
	require.NoError(t, m.Add(context.Background(), emailWorker()))

	second := emailWorker()
	second.Name = "reports"
	second.Queues = "reports"
	require.NoError(t, m.Add(context.Background(), second))

	// Disable one directly in the store; RestartAll must skip it.
	disabled := emailWorker()
	disabled.Name = "paused-one"
	disabled.Enabled = false
	require.NoError(t, st.Transaction(func(tx *sqlx.Tx) error {
		return store.UpsertWorkerTx(tx, disabled)
	}))

	restarted, err := m.RestartAll(context.Background(), "shopapi")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"emails", "reports"}, restarted)
	assert.Contains(t, fake.Calls, "restart hostkit-shopapi-worker-emails")
	assert.Contains(t, fake.Calls, "restart hostkit-shopapi-worker-reports")
	assert.NotContains(t, fake.Calls, "restart hostkit-shopapi-worker-paused-one")
}

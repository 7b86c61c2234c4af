package systemd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/types"
)

func testLayout(project string, root string) *fsops.Layout {
	return &fsops.Layout{
		Project:    project,
		HomeRoot:   filepath.Join(root, "home"),
		BackupRoot: filepath.Join(root, "backups"),
		LogRoot:    filepath.Join(root, "logs"),
	}
}

func intPtr(n int) *int { return &n }

func TestWriteAppUnit(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(NewFakeClient(), dir)
	layout := testLayout("shopapi", dir)
	p := &types.Project{Name: "shopapi", Runtime: types.RuntimePython, Port: 8001}
	limits := &types.ResourceLimits{
		Project:         "shopapi",
		Enabled:         true,
		CPUQuotaPercent: intPtr(50),
		MemoryMaxMB:     intPtr(512),
		MemoryHighMB:    intPtr(384),
		TasksMax:        intPtr(100),
	}

	require.NoError(t, m.WriteAppUnit(p, layout, limits))

	content, err := os.ReadFile(filepath.Join(dir, "hostkit-shopapi.service"))
	require.NoError(t, err)
	text := string(content)
	assert.True(t, strings.HasPrefix(text, Marker))
	assert.Contains(t, text, "User=shopapi")
	assert.Contains(t, text, "--port 8001")
	assert.Contains(t, text, "WorkingDirectory="+layout.AppLink())
	assert.Contains(t, text, "EnvironmentFile=-"+layout.EnvFile())
	assert.Contains(t, text, "CPUQuota=50%")
	assert.Contains(t, text, "MemoryMax=512M")
	assert.Contains(t, text, "MemoryHigh=384M")
	assert.Contains(t, text, "TasksMax=100")
	assert.Contains(t, text, "Restart=always")

	info, err := os.Stat(filepath.Join(dir, "hostkit-shopapi.service"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestWriteAppUnitNoLimits(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(NewFakeClient(), dir)
	p := &types.Project{Name: "shopapi", Runtime: types.RuntimeNode, Port: 8002}

	require.NoError(t, m.WriteAppUnit(p, testLayout("shopapi", dir), nil))

	content, err := os.ReadFile(filepath.Join(dir, "hostkit-shopapi.service"))
	require.NoError(t, err)
	assert.NotContains(t, string(content), "CPUQuota")
	assert.NotContains(t, string(content), "MemoryMax")
}

func TestDisabledLimitsRenderNothing(t *testing.T) {
	limits := &types.ResourceLimits{Enabled: false, CPUQuotaPercent: intPtr(50)}
	assert.Empty(t, resourceDirectives(limits))
	assert.Empty(t, resourceDirectives(nil))
}

func TestWriteUnitRefusesUnmanagedFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(NewFakeClient(), dir)
	path := filepath.Join(dir, "hostkit-shopapi.service")
	require.NoError(t, os.WriteFile(path, []byte("[Unit]\nDescription=hand written\n"), 0o644))

	p := &types.Project{Name: "shopapi", Runtime: types.RuntimePython, Port: 8001}
	err := m.WriteAppUnit(p, testLayout("shopapi", dir), nil)
	require.Error(t, err)

	// The hand-written file survives untouched.
	content, _ := os.ReadFile(path)
	assert.Contains(t, string(content), "hand written")
}

func TestRemoveUnitSkipsUnmanaged(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(NewFakeClient(), dir)
	path := filepath.Join(dir, "nginx.service")
	require.NoError(t, os.WriteFile(path, []byte("[Unit]\n"), 0o644))

	require.NoError(t, m.RemoveUnit("nginx", "service"))
	_, err := os.Stat(path)
	assert.NoError(t, err, "unmanaged unit must survive removal")

	// Missing units are fine too.
	require.NoError(t, m.RemoveUnit("ghost", "service"))
}

func TestWriteCronUnits(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(NewFakeClient(), dir)
	task := &types.ScheduledTask{
		Project: "shopapi",
		Name:    "reports",
		Command: "python manage.py send_reports",
	}

	require.NoError(t, m.WriteCronUnits(task, testLayout("shopapi", dir), "*-*-* 03:00:00"))

	svc, err := os.ReadFile(filepath.Join(dir, "hostkit-shopapi-cron-reports.service"))
	require.NoError(t, err)
	assert.Contains(t, string(svc), "Type=oneshot")
	assert.Contains(t, string(svc), "/bin/sh -c 'python manage.py send_reports'")

	timer, err := os.ReadFile(filepath.Join(dir, "hostkit-shopapi-cron-reports.timer"))
	require.NoError(t, err)
	assert.Contains(t, string(timer), "OnCalendar=*-*-* 03:00:00")
	assert.Contains(t, string(timer), "Persistent=true")
	assert.Contains(t, string(timer), "WantedBy=timers.target")
}

func TestWriteWorkerUnit(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(NewFakeClient(), dir)
	w := &types.Worker{
		Project:     "shopapi",
		Name:        "emails",
		Concurrency: 4,
		Queues:      "email,default",
		AppModule:   "app.tasks",
		LogLevel:    "info",
	}

	require.NoError(t, m.WriteWorkerUnit(w, testLayout("shopapi", dir), nil))

	content, err := os.ReadFile(filepath.Join(dir, "hostkit-shopapi-worker-emails.service"))
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "celery -A app.tasks worker --concurrency=4 --loglevel=info -Q email,default")
	assert.Contains(t, text, "After=network.target redis.service")
}

func TestEnableAndStartSequence(t *testing.T) {
	dir := t.TempDir()
	fake := NewFakeClient()
	m := NewManager(fake, dir)

	require.NoError(t, m.EnableAndStart(context.Background(), "hostkit-shopapi"))
	assert.Equal(t, []string{
		"daemon-reload",
		"enable hostkit-shopapi",
		"start hostkit-shopapi",
	}, fake.Calls)

	active, err := fake.IsActive(context.Background(), "hostkit-shopapi")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestStopAndDisableToleratesInactive(t *testing.T) {
	dir := t.TempDir()
	fake := NewFakeClient()
	fake.FailUnits["hostkit-shopapi"] = true
	m := NewManager(fake, dir)

	// Stop fails but the unit reads inactive, so teardown proceeds to
	// disable. Disable fails too here, which must surface.
	err := m.StopAndDisable(context.Background(), "hostkit-shopapi")
	require.Error(t, err)
	assert.Contains(t, strings.Join(fake.Calls, " "), "disable")
}

func TestProjectUnits(t *testing.T) {
	workers := []*types.Worker{{Project: "shopapi", Name: "emails"}}
	tasks := []*types.ScheduledTask{{Project: "shopapi", Name: "reports"}}

	units := ProjectUnits("shopapi", workers, tasks)
	assert.Contains(t, units, "hostkit-shopapi")
	assert.Contains(t, units, "hostkit-shopapi-worker-emails")
	assert.Contains(t, units, "hostkit-shopapi-cron-reports")
	assert.Contains(t, units, "hostkit-shopapi-beat")
	assert.Contains(t, units, "hostkit-shopapi-auth")
	assert.Contains(t, units, "hostkit-shopapi-vector")
}

func TestShellEscape(t *testing.T) {
	assert.Equal(t, "'echo hi'", shellEscape("echo hi"))
	assert.Equal(t, `'it'\''s'`, shellEscape("it's"))
}

package deploy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostkit/hostkit/pkg/checkpoint"
	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/envfile"
	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/health"
	"github.com/hostkit/hostkit/pkg/journal"
	"github.com/hostkit/hostkit/pkg/ratelimit"
	"github.com/hostkit/hostkit/pkg/release"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
	"github.com/hostkit/hostkit/pkg/vault"
)

func testPipeline(t *testing.T) (*Pipeline, *store.Store, *systemd.FakeClient, *config.Config) {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.HomeRoot = filepath.Join(root, "home")
	cfg.BackupRoot = filepath.Join(root, "backups")
	cfg.LogRoot = filepath.Join(root, "logs")
	cfg.UnitDir = filepath.Join(root, "units")
	cfg.GitCacheRoot = filepath.Join(root, "git-cache")
	require.NoError(t, os.MkdirAll(cfg.UnitDir, 0o755))

	owner := func(string) (int, int, error) { return os.Getuid(), os.Getgid(), nil }
	fs := fsops.NewWithChown(func(string, int, int) error { return nil })
	jr := journal.New(st, "tester")
	rel := release.New(st, fs, jr, cfg)
	rel.Owners = owner

	fake := systemd.NewFakeClient()
	limiter := ratelimit.New(st, jr, cfg)
	vt, err := vault.Open(filepath.Join(root, "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { vt.Close() })

	p := New(st, jr, rel, checkpoint.New(st, jr, cfg),
		limiter, ratelimit.NewAutoPause(limiter),
		health.NewChecker(st, fake, cfg),
		systemd.NewManager(fake, cfg.UnitDir), vt, execx.New(), fs, cfg)
	p.Owners = owner
	return p, st, fake, cfg
}

// seedProject books the row and scaffolds enough of the home directory
// for the project lock and env file to live in.
func seedProject(t *testing.T, st *store.Store, cfg *config.Config, name string, port int) {
	t.Helper()
	require.NoError(t, st.Transaction(func(tx *sqlx.Tx) error {
		return store.CreateProjectTx(tx, &types.Project{
			Name:      name,
			Runtime:   types.RuntimePython,
			Port:      port,
			Status:    types.ProjectRunning,
			CreatedBy: "tester",
		})
	}))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.HomeRoot, name), 0o755))
}

// writeSource lays down a small source tree and returns its path.
func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func serveOn(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func eventTypes(t *testing.T, jr *journal.Journal, project, eventType string) []*types.Event {
	t.Helper()
	events, err := jr.Query(journal.QueryOptions{Project: project, EventType: eventType})
	require.NoError(t, err)
	return events
}

func TestDeployUnknownProject(t *testing.T) {
	p, _, _, _ := testPipeline(t)
	_, err := p.Deploy(context.Background(), "ghost", Options{SourceKind: SourceLocal, SourcePath: "/tmp"})
	assert.Equal(t, types.ErrProjectNotFound, types.CodeOf(err))
}

func TestDeployLocalSource(t *testing.T) {
	p, st, fake, cfg := testPipeline(t)
	port := serveOn(t)
	seedProject(t, st, cfg, "shopapi", port)
	fake.SetActive("hostkit-shopapi", true)
	fake.SetPID("hostkit-shopapi", os.Getpid())
	require.NoError(t, envfile.Save(filepath.Join(cfg.HomeRoot, "shopapi", ".env"), map[string]string{"PORT": strconv.Itoa(port)}))

	src := writeSource(t, map[string]string{
		"main.py":          "app = object()",
		"requirements.txt": "uvicorn",
	})
	res, err := p.Deploy(context.Background(), "shopapi", Options{
		SourceKind: SourceLocal,
		SourcePath: src,
		Restart:    true,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^\d{8}-\d{6}$`, res.Release)
	assert.Equal(t, 2, res.FilesSynced)
	assert.Nil(t, res.CheckpointID, "no database, no pre-deploy checkpoint")
	assert.Equal(t, types.Healthy, res.Health)
	assert.Empty(t, res.Warnings)

	cur, err := st.CurrentRelease("shopapi")
	require.NoError(t, err)
	assert.Equal(t, res.Release, cur.ReleaseName)
	assert.NotNil(t, cur.EnvSnapshot, "env snapshot travels with the release")
	assert.Equal(t, 2, cur.FilesSynced)

	link, err := os.Readlink(filepath.Join(cfg.HomeRoot, "shopapi", "app"))
	require.NoError(t, err)
	assert.Equal(t, cur.ReleasePath, link)
	assert.FileExists(t, filepath.Join(cur.ReleasePath, "main.py"))

	assert.Contains(t, fake.Calls, "restart hostkit-shopapi")
	assert.Len(t, eventTypes(t, p.journal, "shopapi", "deploy.started"), 1)
	assert.Len(t, eventTypes(t, p.journal, "shopapi", "deploy.completed"), 1)

	records, err := st.RecentDeployRecords("shopapi", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.OutcomeSuccess, records[0].Outcome)
}

func TestDeployRateLimitedBlocksBeforeSideEffects(t *testing.T) {
	p, st, _, cfg := testPipeline(t)
	seedProject(t, st, cfg, "shopapi", 8001)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.limiter.RecordOutcome("shopapi", types.OutcomeSuccess))
	}

	_, err := p.Deploy(context.Background(), "shopapi", Options{SourceKind: SourceLocal, SourcePath: "/nope"})
	assert.Equal(t, types.ErrRateLimited, types.CodeOf(err))
	assert.Len(t, eventTypes(t, p.journal, "shopapi", "deploy.rate_limited"), 1)

	releases, listErr := st.ListReleases("shopapi", 0)
	require.NoError(t, listErr)
	assert.Empty(t, releases, "a blocked deploy must not create a release")
}

func TestDeployOverrideSkipsRateGate(t *testing.T) {
	p, st, _, cfg := testPipeline(t)
	seedProject(t, st, cfg, "shopapi", 8001)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.limiter.RecordOutcome("shopapi", types.OutcomeSuccess))
	}

	// The gate is bypassed, so the pipeline proceeds and fails on the
	// missing source instead.
	_, err := p.Deploy(context.Background(), "shopapi", Options{
		SourceKind: SourceLocal, SourcePath: "/does/not/exist", OverrideRateLimit: true,
	})
	assert.Equal(t, types.ErrSourceNotFound, types.CodeOf(err))
}

func TestDeployPausedProject(t *testing.T) {
	p, st, _, cfg := testPipeline(t)
	seedProject(t, st, cfg, "shopapi", 8001)
	now := time.Now().UTC()
	reason := "too many failures"
	require.NoError(t, st.Transaction(func(tx *sqlx.Tx) error {
		return store.UpsertAutoPauseConfigTx(tx, &types.AutoPauseConfig{
			Project: "shopapi", Enabled: true, FailureThreshold: 5, WindowMinutes: 10,
			Paused: true, PausedAt: &now, PausedReason: &reason,
		})
	}))

	_, err := p.Deploy(context.Background(), "shopapi", Options{SourceKind: SourceLocal, SourcePath: "/tmp"})
	assert.Equal(t, types.ErrProjectPaused, types.CodeOf(err))
	assert.Contains(t, types.SuggestionOf(err), "hostkit project resume shopapi")
}

func TestDeployFailureIsRecorded(t *testing.T) {
	p, st, _, cfg := testPipeline(t)
	seedProject(t, st, cfg, "shopapi", 8001)

	_, err := p.Deploy(context.Background(), "shopapi", Options{
		SourceKind: SourceLocal, SourcePath: "/does/not/exist",
	})
	assert.Equal(t, types.ErrSourceNotFound, types.CodeOf(err))

	assert.Len(t, eventTypes(t, p.journal, "shopapi", "deploy.failed"), 1)
	records, err := st.RecentDeployRecords("shopapi", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.OutcomeFailure, records[0].Outcome)

	// The failed release directory stays behind for inspection.
	releases, err := st.ListReleases("shopapi", 0)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.DirExists(t, releases[0].ReleasePath)
	assert.False(t, releases[0].IsCurrent)
}

func TestDeployFailureBurstPausesProject(t *testing.T) {
	p, st, _, cfg := testPipeline(t)
	seedProject(t, st, cfg, "shopapi", 8001)
	require.NoError(t, p.autopause.SetConfig(&types.AutoPauseConfig{
		Project: "shopapi", Enabled: true, FailureThreshold: 2, WindowMinutes: 10,
	}))

	opts := Options{SourceKind: SourceLocal, SourcePath: "/does/not/exist"}
	_, err := p.Deploy(context.Background(), "shopapi", opts)
	assert.Equal(t, types.ErrSourceNotFound, types.CodeOf(err))
	_, err = p.Deploy(context.Background(), "shopapi", opts)
	assert.Equal(t, types.ErrSourceNotFound, types.CodeOf(err))

	proj, err := st.GetProject("shopapi")
	require.NoError(t, err)
	assert.Equal(t, types.ProjectPaused, proj.Status)

	_, err = p.Deploy(context.Background(), "shopapi", opts)
	assert.Equal(t, types.ErrProjectPaused, types.CodeOf(err))
}

func TestDeployInjectsSecrets(t *testing.T) {
	p, st, fake, cfg := testPipeline(t)
	port := serveOn(t)
	seedProject(t, st, cfg, "shopapi", port)
	fake.SetActive("hostkit-shopapi", true)
	fake.SetPID("hostkit-shopapi", os.Getpid())
	require.NoError(t, p.vault.Set("shopapi", "API_KEY", "s3cret"))

	src := writeSource(t, map[string]string{"main.py": "app = object()"})
	_, err := p.Deploy(context.Background(), "shopapi", Options{
		SourceKind: SourceLocal, SourcePath: src, InjectSecrets: true,
	})
	require.NoError(t, err)

	val, ok, err := envfile.Get(filepath.Join(cfg.HomeRoot, "shopapi", ".env"), "API_KEY")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s3cret", val)
}

func TestValidateGitURL(t *testing.T) {
	valid := []string{
		"https://github.com/acme/shopapi.git",
		"https://github.com/acme/shopapi",
		"https://git.internal.example:8443/team/repo.git",
		"git@github.com:acme/shopapi.git",
		"ssh://git@github.com/acme/shopapi.git",
	}
	for _, url := range valid {
		assert.NoError(t, ValidateGitURL(url), url)
	}

	invalid := []string{
		"",
		"http://github.com/acme/shopapi.git",
		"ftp://example.com/repo.git",
		"/var/repos/shopapi",
		"https://github.com/acme/shop api",
		"github.com/acme/shopapi",
	}
	for _, url := range invalid {
		err := ValidateGitURL(url)
		assert.Equal(t, types.ErrInvalidGitURL, types.CodeOf(err), url)
	}
}

// deployTwice runs two local deploys and returns the two release names in
// order. The second deploy lands at least one second after the first
// because release names have one second resolution.
func deployTwice(t *testing.T, p *Pipeline, project, srcA, srcB string) (string, string) {
	t.Helper()
	resA, err := p.Deploy(context.Background(), project, Options{SourceKind: SourceLocal, SourcePath: srcA})
	require.NoError(t, err)
	resB, err := p.Deploy(context.Background(), project, Options{SourceKind: SourceLocal, SourcePath: srcB})
	require.NoError(t, err)
	return resA.Release, resB.Release
}

func rollbackPipeline(t *testing.T) (*Pipeline, *store.Store, *config.Config) {
	t.Helper()
	p, st, fake, cfg := testPipeline(t)
	port := serveOn(t)
	seedProject(t, st, cfg, "shopapi", port)
	fake.SetActive("hostkit-shopapi", true)
	fake.SetPID("hostkit-shopapi", os.Getpid())
	require.NoError(t, envfile.Save(filepath.Join(cfg.HomeRoot, "shopapi", ".env"), map[string]string{"FLAVOR": "one"}))
	return p, st, cfg
}

func TestRollbackToPrevious(t *testing.T) {
	p, st, cfg := rollbackPipeline(t)
	srcA := writeSource(t, map[string]string{"main.py": "v1"})
	srcB := writeSource(t, map[string]string{"main.py": "v2"})
	first, second := deployTwice(t, p, "shopapi", srcA, srcB)

	res, err := p.Rollback(context.Background(), "shopapi", RollbackOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, res.Target)
	assert.False(t, res.Failed())

	cur, err := st.CurrentRelease("shopapi")
	require.NoError(t, err)
	assert.Equal(t, first, cur.ReleaseName)
	assert.NotEqual(t, second, cur.ReleaseName)

	link, err := os.Readlink(filepath.Join(cfg.HomeRoot, "shopapi", "app"))
	require.NoError(t, err)
	assert.Equal(t, cur.ReleasePath, link)
	assert.Len(t, eventTypes(t, p.journal, "shopapi", "deploy.rolled_back"), 1)
}

func TestRollbackNamedTargetAlreadyCurrent(t *testing.T) {
	p, _, _ := rollbackPipeline(t)
	srcA := writeSource(t, map[string]string{"main.py": "v1"})
	srcB := writeSource(t, map[string]string{"main.py": "v2"})
	_, second := deployTwice(t, p, "shopapi", srcA, srcB)

	_, err := p.Rollback(context.Background(), "shopapi", RollbackOptions{To: second})
	assert.Equal(t, types.ErrAlreadyCurrent, types.CodeOf(err))
}

func TestRollbackWithoutPreviousRelease(t *testing.T) {
	p, st, _, cfg := testPipeline(t)
	seedProject(t, st, cfg, "shopapi", 8001)
	_, err := p.Rollback(context.Background(), "shopapi", RollbackOptions{})
	assert.Equal(t, types.ErrNoPreviousRelease, types.CodeOf(err))
}

func TestRollbackDryRunChangesNothing(t *testing.T) {
	p, st, cfg := rollbackPipeline(t)
	srcA := writeSource(t, map[string]string{"main.py": "v1"})
	srcB := writeSource(t, map[string]string{"main.py": "v2"})
	first, second := deployTwice(t, p, "shopapi", srcA, srcB)

	res, err := p.Rollback(context.Background(), "shopapi", RollbackOptions{DryRun: true, Full: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, first, res.Target)
	require.NotEmpty(t, res.Steps)
	for _, s := range res.Steps {
		assert.True(t, s.Skipped != "", s.Step)
	}

	cur, err := st.CurrentRelease("shopapi")
	require.NoError(t, err)
	assert.Equal(t, second, cur.ReleaseName, "dry run must not switch releases")
	link, err := os.Readlink(filepath.Join(cfg.HomeRoot, "shopapi", "app"))
	require.NoError(t, err)
	assert.Equal(t, cur.ReleasePath, link)
}

func TestRollbackFullRestoresEnvSnapshot(t *testing.T) {
	p, _, cfg := rollbackPipeline(t)
	envPath := filepath.Join(cfg.HomeRoot, "shopapi", ".env")
	srcA := writeSource(t, map[string]string{"main.py": "v1"})
	srcB := writeSource(t, map[string]string{"main.py": "v2"})

	resA, err := p.Deploy(context.Background(), "shopapi", Options{SourceKind: SourceLocal, SourcePath: srcA})
	require.NoError(t, err)
	require.NoError(t, envfile.Set(envPath, "FLAVOR", "two"))
	_, err = p.Deploy(context.Background(), "shopapi", Options{SourceKind: SourceLocal, SourcePath: srcB})
	require.NoError(t, err)

	res, err := p.Rollback(context.Background(), "shopapi", RollbackOptions{Full: true})
	require.NoError(t, err)
	assert.Equal(t, resA.Release, res.Target)

	// No checkpoint was ever taken, so that step is skipped, but the env
	// file returns to its state at the target deploy.
	val, _, err := envfile.Get(envPath, "FLAVOR")
	require.NoError(t, err)
	assert.Equal(t, "one", val)
}

package fsops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOps() *Ops {
	// No-op chown: tests run unprivileged.
	return NewWithChown(func(string, int, int) error { return nil })
}

func testLayout(t *testing.T) Layout {
	base := t.TempDir()
	return Layout{
		Project:    "demo",
		HomeRoot:   filepath.Join(base, "home"),
		BackupRoot: filepath.Join(base, "backups"),
		LogRoot:    filepath.Join(base, "log"),
	}
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{Project: "blog", HomeRoot: "/home", BackupRoot: "/backups", LogRoot: "/var/log/projects"}
	assert.Equal(t, "/home/blog", l.Home())
	assert.Equal(t, "/home/blog/releases/20250101-000000", l.ReleaseDir("20250101-000000"))
	assert.Equal(t, "/home/blog/app", l.AppLink())
	assert.Equal(t, "/home/blog/.env", l.EnvFile())
	assert.Equal(t, "/backups/blog/checkpoints", l.CheckpointDir())
	assert.Equal(t, "/var/log/projects/blog", l.LogDir())
}

func TestScaffoldHome(t *testing.T) {
	o := testOps()
	l := testLayout(t)
	require.NoError(t, o.ScaffoldHome(l, -1, -1))

	for _, dir := range []string{l.ReleasesDir(), l.SharedDir(), l.SSHDir(), l.CheckpointDir(), l.LogDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}

	info, err := os.Stat(l.EnvFile())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	sshInfo, _ := os.Stat(l.SSHDir())
	assert.Equal(t, os.FileMode(0o700), sshInfo.Mode().Perm())
}

func TestAtomicSymlinkSwitch(t *testing.T) {
	o := testOps()
	l := testLayout(t)
	require.NoError(t, o.ScaffoldHome(l, -1, -1))

	r1 := l.ReleaseDir("20250101-000000")
	r2 := l.ReleaseDir("20250102-000000")
	require.NoError(t, os.MkdirAll(r1, 0o755))
	require.NoError(t, os.MkdirAll(r2, 0o755))

	require.NoError(t, o.AtomicSymlink(r1, l.AppLink(), -1, -1))
	target, err := os.Readlink(l.AppLink())
	require.NoError(t, err)
	assert.Equal(t, r1, target)

	// Switching over an existing link replaces it in place.
	require.NoError(t, o.AtomicSymlink(r2, l.AppLink(), -1, -1))
	target, err = os.Readlink(l.AppLink())
	require.NoError(t, err)
	assert.Equal(t, r2, target)

	// No stray temporary links remain.
	entries, err := os.ReadDir(l.Home())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".hostkit-link-")
	}
}

func TestRemoveTreeGuard(t *testing.T) {
	o := testOps()
	l := testLayout(t)
	require.NoError(t, o.ScaffoldHome(l, -1, -1))

	outside := t.TempDir()
	err := o.RemoveTree(l.Home(), outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside project subtree")

	// Escaping via dot-dot is caught too.
	err = o.RemoveTree(l.Home(), filepath.Join(l.Home(), "..", "..", "etc"))
	require.Error(t, err)

	inside := l.ReleaseDir("20250101-000000")
	require.NoError(t, os.MkdirAll(inside, 0o755))
	require.NoError(t, o.RemoveTree(l.Home(), inside))
	_, err = os.Stat(inside)
	assert.True(t, os.IsNotExist(err))
}

func TestCopyTree(t *testing.T) {
	o := testOps()
	src := t.TempDir()
	dst := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(src, "main.py"), []byte("print()"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "static"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "static", "style.css"), []byte("body{}"), 0o644))
	// Version-control metadata must not be copied.
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "node_modules", "pkg", "index.js"), []byte("x"), 0o644))

	n, err := o.CopyTree(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.FileExists(t, filepath.Join(dst, "main.py"))
	assert.FileExists(t, filepath.Join(dst, "static", "style.css"))
	assert.NoDirExists(t, filepath.Join(dst, ".git"))
	assert.NoDirExists(t, filepath.Join(dst, "node_modules"))
}

func TestDirSizeMB(t *testing.T) {
	o := testOps()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob"), make([]byte, 3<<20), 0o644))
	size, err := o.DirSizeMB(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
}

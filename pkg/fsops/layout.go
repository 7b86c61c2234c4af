// Package fsops owns the on-disk convention for project trees and the
// primitive mutations on them: directory creation with explicit ownership,
// recursive chown, atomic symlink replacement, and guarded subtree
// removal. Nothing here touches paths outside the project's own subtrees.
package fsops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/log"
)

// Layout resolves every conventional path for one project.
type Layout struct {
	Project    string
	HomeRoot   string // usually /home
	BackupRoot string // usually /backups
	LogRoot    string // usually /var/log/projects
}

func (l Layout) Home() string           { return filepath.Join(l.HomeRoot, l.Project) }
func (l Layout) ReleasesDir() string    { return filepath.Join(l.Home(), "releases") }
func (l Layout) ReleaseDir(name string) string { return filepath.Join(l.ReleasesDir(), name) }
func (l Layout) AppLink() string        { return filepath.Join(l.Home(), "app") }
func (l Layout) SharedDir() string      { return filepath.Join(l.Home(), "shared") }
func (l Layout) EnvFile() string        { return filepath.Join(l.Home(), ".env") }
func (l Layout) SSHDir() string         { return filepath.Join(l.Home(), ".ssh") }
func (l Layout) AuthorizedKeys() string { return filepath.Join(l.SSHDir(), "authorized_keys") }
func (l Layout) LogDir() string         { return filepath.Join(l.LogRoot, l.Project) }
func (l Layout) BackupDir() string      { return filepath.Join(l.BackupRoot, l.Project) }
func (l Layout) DBBackupDir() string    { return filepath.Join(l.BackupDir(), "db") }
func (l Layout) CheckpointDir() string  { return filepath.Join(l.BackupDir(), "checkpoints") }

// Ops performs layout mutations. Chown calls are delegated to a function
// so tests can run unprivileged.
type Ops struct {
	logger zerolog.Logger
	chown  func(path string, uid, gid int) error
}

// New creates an Ops using real lchown.
func New() *Ops {
	return &Ops{
		logger: log.WithComponent("fsops"),
		chown:  os.Lchown,
	}
}

// NewWithChown creates an Ops with a custom chown, for tests.
func NewWithChown(chown func(string, int, int) error) *Ops {
	return &Ops{logger: log.WithComponent("fsops"), chown: chown}
}

// guard refuses operations whose target escapes root. Every destructive
// operation calls this first.
func guard(root, target string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	if absTarget != absRoot && !strings.HasPrefix(absTarget, absRoot+string(filepath.Separator)) {
		return fmt.Errorf("refusing to operate on %s: outside project subtree %s", absTarget, absRoot)
	}
	return nil
}

// EnsureDir creates dir (and parents) with the given mode and ownership.
func (o *Ops) EnsureDir(dir string, mode os.FileMode, uid, gid int) error {
	o.logger.Debug().Str("dir", dir).Msg("ensure directory")
	if err := os.MkdirAll(dir, mode); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.Chmod(dir, mode); err != nil {
		return err
	}
	if uid >= 0 {
		if err := o.chown(dir, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", dir, err)
		}
	}
	return nil
}

// ScaffoldHome creates the full conventional tree for a project, owned by
// uid/gid.
func (o *Ops) ScaffoldHome(l Layout, uid, gid int) error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{l.Home(), 0o755},
		{l.ReleasesDir(), 0o755},
		{l.SharedDir(), 0o755},
		{l.SSHDir(), 0o700},
		{l.LogDir(), 0o755},
		{l.BackupDir(), 0o750},
		{l.DBBackupDir(), 0o750},
		{l.CheckpointDir(), 0o750},
	}
	for _, d := range dirs {
		if err := o.EnsureDir(d.path, d.mode, uid, gid); err != nil {
			return err
		}
	}
	// Empty env file, mode 0600, owned by the project user.
	if _, err := os.Stat(l.EnvFile()); os.IsNotExist(err) {
		if err := os.WriteFile(l.EnvFile(), nil, 0o600); err != nil {
			return err
		}
		if uid >= 0 {
			if err := o.chown(l.EnvFile(), uid, gid); err != nil {
				return err
			}
		}
	}
	return nil
}

// ChownTree recursively reassigns ownership under root.
func (o *Ops) ChownTree(root string, uid, gid int) error {
	o.logger.Debug().Str("root", root).Int("uid", uid).Msg("chown tree")
	return filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return o.chown(path, uid, gid)
	})
}

// AtomicSymlink points link at target by creating a uniquely named
// temporary link beside it and renaming over. POSIX rename is atomic
// within a filesystem, so readers observe either the old or the new
// target, never an absent link.
func (o *Ops) AtomicSymlink(target, link string, uid, gid int) error {
	o.logger.Debug().Str("target", target).Str("link", link).Msg("atomic symlink switch")

	tmp := filepath.Join(filepath.Dir(link), ".hostkit-link-"+uuid.NewString()[:8])
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create temporary link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename link into place: %w", err)
	}
	if uid >= 0 {
		if err := o.chown(link, uid, gid); err != nil {
			return fmt.Errorf("chown link: %w", err)
		}
	}
	return nil
}

// RemoveTree deletes a subtree after verifying it sits inside root.
func (o *Ops) RemoveTree(root, target string) error {
	if err := guard(root, target); err != nil {
		return err
	}
	o.logger.Info().Str("target", target).Msg("remove subtree")
	return os.RemoveAll(target)
}

// CopyTree copies src into dst, skipping version-control and dependency
// metadata directories. Returns the number of files copied.
func (o *Ops) CopyTree(src, dst string) (int, error) {
	skip := map[string]bool{
		".git": true, ".hg": true, ".svn": true,
		"__pycache__": true, "node_modules": true, ".venv": true, "venv": true,
	}

	count := 0
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if skip[info.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			// Symlinks inside sources are re-created literally.
			if info.Mode()&os.ModeSymlink != 0 {
				dest, err := os.Readlink(path)
				if err != nil {
					return err
				}
				return os.Symlink(dest, filepath.Join(dst, rel))
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dst, rel), data, info.Mode().Perm()); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

// DirSizeMB reports the apparent size of a tree in whole megabytes, used
// for advisory disk-quota checks.
func (o *Ops) DirSizeMB(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total / (1 << 20), err
}

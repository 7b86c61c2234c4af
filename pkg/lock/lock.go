// Package lock provides the per-project advisory file lock that serializes
// operations mutating a project's filesystem or units. Two hostkit
// processes deploying the same project queue here; different projects
// never contend.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/hostkit/hostkit/pkg/log"
)

const retryDelay = 500 * time.Millisecond

// ProjectLock is an advisory flock in the project's home directory.
type ProjectLock struct {
	project string
	fl      *flock.Flock
}

// ForProject creates (but does not acquire) the lock handle for a project
// home directory.
func ForProject(project, homeDir string) *ProjectLock {
	return &ProjectLock{
		project: project,
		fl:      flock.New(homeDir + "/.hostkit.lock"),
	}
}

// Acquire blocks until the lock is held or ctx expires. Every exit path of
// the critical section must call Release.
func (l *ProjectLock) Acquire(ctx context.Context) error {
	logger := log.WithProject(l.project)
	ok, err := l.fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("acquire project lock for %s: %w", l.project, err)
	}
	if !ok {
		return fmt.Errorf("acquire project lock for %s: context done", l.project)
	}
	logger.Debug().Str("path", l.fl.Path()).Msg("project lock acquired")
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *ProjectLock) Release() {
	if err := l.fl.Unlock(); err != nil {
		logger := log.WithProject(l.project)
		logger.Warn().Err(err).Msg("release project lock")
	}
}

// Path exposes the lock file location.
func (l *ProjectLock) Path() string {
	return l.fl.Path()
}

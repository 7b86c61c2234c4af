package deploy

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/types"
)

// safeGitURL matches the repository URL shapes hostkit will clone.
// Anything else is refused before a subprocess ever sees it.
var safeGitURL = regexp.MustCompile(
	`^(https://[\w.\-]+(:\d+)?/[\w.\-/~]+(\.git)?|git@[\w.\-]+:[\w.\-/~]+(\.git)?|ssh://git@[\w.\-]+(:\d+)?/[\w.\-/~]+(\.git)?)$`)

// ValidateGitURL refuses URLs outside the safe patterns.
func ValidateGitURL(url string) error {
	if !safeGitURL.MatchString(url) {
		return types.E(types.ErrInvalidGitURL, "git URL %q does not match the allowed patterns", url).
			WithSuggestion("use https://host/org/repo.git or git@host:org/repo.git")
	}
	return nil
}

// materialize fills the release directory from the configured source
// and returns the number of files placed there.
func (p *Pipeline) materialize(ctx context.Context, project string, rel *types.Release, opts Options) (int, error) {
	switch opts.SourceKind {
	case SourceLocal:
		return p.materializeLocal(project, rel, opts.SourcePath)
	case SourceGit:
		return p.materializeGit(ctx, project, rel, opts)
	default:
		return 0, types.E(types.ErrSourceNotFound, "unknown source kind %q", opts.SourceKind)
	}
}

func (p *Pipeline) materializeLocal(project string, rel *types.Release, src string) (int, error) {
	fi, err := os.Stat(src)
	if err != nil || !fi.IsDir() {
		return 0, types.E(types.ErrSourceNotFound, "source directory %s does not exist", src)
	}
	n, err := p.fs.CopyTree(src, rel.ReleasePath)
	if err != nil {
		return 0, types.Wrap(types.ErrDeployFailed, err, "copy source tree")
	}
	if uid, gid, err := p.Owners(project); err == nil {
		if err := p.fs.ChownTree(rel.ReleasePath, uid, gid); err != nil {
			return 0, types.Wrap(types.ErrDeployFailed, err, "chown release tree")
		}
	}
	return n, nil
}

// materializeGit clones into the release directory, going through the
// per-project bare cache when one exists. Clone-from-cache keeps
// repeated deploys off the network.
func (p *Pipeline) materializeGit(ctx context.Context, project string, rel *types.Release, opts Options) (int, error) {
	if err := ValidateGitURL(opts.GitURL); err != nil {
		return 0, err
	}

	cache := filepath.Join(p.cfg.GitCacheRoot, project)
	cloneFrom := opts.GitURL
	if fi, err := os.Stat(cache); err == nil && fi.IsDir() {
		if _, err := p.runner.Run(ctx, execx.Cmd{
			Name: "git", Args: []string{"-C", cache, "fetch", "--all", "--prune"},
			Timeout: 5 * time.Minute,
		}); err != nil {
			return 0, types.Wrap(types.ErrDeployFailed, err, "refresh git cache")
		}
		cloneFrom = cache
	}

	if _, err := p.runner.Run(ctx, execx.Cmd{
		Name: "git", Args: []string{"clone", cloneFrom, rel.ReleasePath},
		Timeout: 10 * time.Minute,
	}); err != nil {
		return 0, types.Wrap(types.ErrDeployFailed, err, "clone %s", opts.GitURL)
	}

	if opts.GitRef != "" {
		if _, err := p.runner.Run(ctx, execx.Cmd{
			Name: "git", Args: []string{"-C", rel.ReleasePath, "checkout", opts.GitRef},
			Timeout: 2 * time.Minute,
		}); err != nil {
			return 0, types.Wrap(types.ErrDeployFailed, err, "checkout %s", opts.GitRef)
		}
	}

	if err := p.recordGitProvenance(ctx, project, rel, opts); err != nil {
		return 0, err
	}

	// The .git directory stays out of the release.
	_ = os.RemoveAll(filepath.Join(rel.ReleasePath, ".git"))

	if uid, gid, err := p.Owners(project); err == nil {
		if err := p.fs.ChownTree(rel.ReleasePath, uid, gid); err != nil {
			return 0, types.Wrap(types.ErrDeployFailed, err, "chown release tree")
		}
	}
	return countFiles(rel.ReleasePath)
}

func (p *Pipeline) recordGitProvenance(ctx context.Context, project string, rel *types.Release, opts Options) error {
	commitRes, err := p.runner.Run(ctx, execx.Cmd{
		Name: "git", Args: []string{"-C", rel.ReleasePath, "rev-parse", "HEAD"},
	})
	if err != nil {
		return types.Wrap(types.ErrDeployFailed, err, "resolve deployed commit")
	}
	commit := strings.TrimSpace(commitRes.Stdout)

	var branch *string
	if branchRes, err := p.runner.Run(ctx, execx.Cmd{
		Name: "git", Args: []string{"-C", rel.ReleasePath, "rev-parse", "--abbrev-ref", "HEAD"},
	}); err == nil {
		if b := strings.TrimSpace(branchRes.Stdout); b != "" && b != "HEAD" {
			branch = &b
		}
	}

	var tag *string
	if opts.GitRef != "" && branch == nil {
		ref := opts.GitRef
		tag = &ref
	}
	repo := opts.GitURL
	return p.store.Transaction(func(tx *sqlx.Tx) error {
		return store.UpdateReleaseGitTx(tx, project, rel.ReleaseName, &commit, branch, tag, &repo)
	})
}

func countFiles(root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}

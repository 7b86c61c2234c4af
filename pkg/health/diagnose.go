package health

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hostkit/hostkit/pkg/execx"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
)

// PatternSeverity ranks diagnosis findings.
type PatternSeverity int

const (
	SeverityInfo PatternSeverity = iota
	SeverityWarning
	SeverityCritical
)

func (s PatternSeverity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// logPattern is one recognizable failure signature in application or
// journal output.
type logPattern struct {
	Name     string
	Regex    *regexp.Regexp
	Severity PatternSeverity
	Remedy   string
}

var logPatterns = []logPattern{
	{
		Name:     "missing-module",
		Regex:    regexp.MustCompile(`(?i)(ModuleNotFoundError|ImportError: No module named|Cannot find module)\s*:?\s*['"]?([\w.\-/]+)`),
		Severity: SeverityCritical,
		Remedy:   "install the missing dependency, then redeploy with --install-deps",
	},
	{
		Name:     "address-in-use",
		Regex:    regexp.MustCompile(`(?i)(address already in use|EADDRINUSE|bind.*failed)`),
		Severity: SeverityCritical,
		Remedy:   "another process holds the project port; stop it or reassign the port",
	},
	{
		Name:     "out-of-memory",
		Regex:    regexp.MustCompile(`(?i)(MemoryError|out of memory|oom-?kill|Killed process)`),
		Severity: SeverityCritical,
		Remedy:   "raise the memory limit with: hostkit limits set --memory-max",
	},
	{
		Name:     "permission-denied",
		Regex:    regexp.MustCompile(`(?i)(PermissionError|permission denied|EACCES)`),
		Severity: SeverityWarning,
		Remedy:   "check file ownership under the project home directory",
	},
	{
		Name:     "syntax-error",
		Regex:    regexp.MustCompile(`(?i)(SyntaxError|Unexpected token|invalid syntax)`),
		Severity: SeverityCritical,
		Remedy:   "the deployed code does not parse; roll back or deploy a fix",
	},
	{
		Name:     "file-not-found",
		Regex:    regexp.MustCompile(`(?i)(FileNotFoundError|ENOENT|No such file or directory)`),
		Severity: SeverityWarning,
		Remedy:   "a referenced file is missing from the release; check the deploy source",
	},
	{
		Name:     "connection-refused",
		Regex:    regexp.MustCompile(`(?i)(connection refused|ECONNREFUSED)`),
		Severity: SeverityWarning,
		Remedy:   "a backing service (database, redis) is unreachable; check it is running",
	},
}

// Finding is one detected pattern with its supporting evidence.
type Finding struct {
	Pattern  string
	Severity PatternSeverity
	Remedy   string
	Evidence []string
}

// Diagnosis is the full output of a diagnosis pass.
type Diagnosis struct {
	Project  string
	Findings []Finding
	Health   *Report
}

// Diagnose reads recent journal and app logs, matches the pattern
// table, checks for deploy crash loops, and returns findings ranked by
// severity. It never remediates.
func (c *Checker) Diagnose(ctx context.Context, runner execx.Runner, project string) (*Diagnosis, error) {
	report, err := c.Check(ctx, project, Options{})
	if err != nil {
		return nil, err
	}
	d := &Diagnosis{Project: project, Health: report}

	unit := types.ServiceApp.UnitName(project, "")
	logText, err := systemd.Logs(ctx, runner, unit, systemd.LogOptions{Lines: 200})
	if err != nil {
		// Journal access can fail in containers; pattern matching just
		// has less to chew on.
		logText = ""
	}
	d.Findings = append(d.Findings, matchPatterns(logText)...)

	if f := c.crashLoopFinding(project); f != nil {
		d.Findings = append(d.Findings, *f)
	}

	sort.SliceStable(d.Findings, func(i, j int) bool {
		return d.Findings[i].Severity > d.Findings[j].Severity
	})
	return d, nil
}

// matchPatterns scans text against the pattern table, collecting up to
// three evidence lines per pattern.
func matchPatterns(text string) []Finding {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	byName := map[string]*Finding{}
	var order []string

	for _, line := range lines {
		for _, p := range logPatterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			f, ok := byName[p.Name]
			if !ok {
				f = &Finding{Pattern: p.Name, Severity: p.Severity, Remedy: p.Remedy}
				byName[p.Name] = f
				order = append(order, p.Name)
			}
			if len(f.Evidence) < 3 {
				f.Evidence = append(f.Evidence, strings.TrimSpace(line))
			}
		}
	}

	out := make([]Finding, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

// crashLoopFinding flags a burst of deploy failures in the last ten
// minutes, which usually means the service restarts into the same crash.
func (c *Checker) crashLoopFinding(project string) *Finding {
	since := time.Now().UTC().Add(-10 * time.Minute)
	n, err := c.store.CountEventsSince(project, "deploy.failed", since)
	if err != nil || n < 3 {
		return nil
	}
	return &Finding{
		Pattern:  "deploy-crash-loop",
		Severity: SeverityCritical,
		Remedy:   "stop deploying and inspect the failure; consider: hostkit rollback " + project,
		Evidence: []string{fmt.Sprintf("%d failed deploys in the last 10 minutes", n)},
	}
}

// StartupTestResult captures a foreground run of the project entrypoint.
type StartupTestResult struct {
	ExitCode int
	Output   string
	TimedOut bool
	Findings []Finding
}

// StartupTest runs the project's start command in the foreground with a
// bounded timeout, because journal output often reduces a startup crash
// to "exit code 1". Output is pattern-matched like log text.
func (c *Checker) StartupTest(ctx context.Context, runner execx.Runner, project string, command []string, dir string, timeout time.Duration) (*StartupTestResult, error) {
	if len(command) == 0 {
		return nil, types.E(types.ErrServiceNotFound, "no entrypoint command for %s", project)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	res, err := runner.Run(ctx, execx.Cmd{
		Name:    command[0],
		Args:    command[1:],
		Dir:     dir,
		Timeout: timeout,
	})
	out := &StartupTestResult{}
	if res != nil {
		out.ExitCode = res.ExitCode
		out.Output = res.Stdout + res.Stderr
		out.Findings = matchPatterns(out.Output)
	}
	if err != nil {
		// A server that survives until the timeout started fine.
		if strings.Contains(err.Error(), "timed out") {
			out.TimedOut = true
			return out, nil
		}
		if types.IsCode(err, types.ErrCommandNotFound) {
			return nil, err
		}
	}
	return out, nil
}

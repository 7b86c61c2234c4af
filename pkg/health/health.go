// Package health probes a project's process, HTTP surface, database
// and auth sidecar, and classifies the result. Probes are observational
// and never mutate state; remediation stays with the operator.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/procfs"
	"github.com/rs/zerolog"

	"github.com/hostkit/hostkit/pkg/config"
	"github.com/hostkit/hostkit/pkg/envfile"
	"github.com/hostkit/hostkit/pkg/fsops"
	"github.com/hostkit/hostkit/pkg/log"
	"github.com/hostkit/hostkit/pkg/store"
	"github.com/hostkit/hostkit/pkg/systemd"
	"github.com/hostkit/hostkit/pkg/types"
)

// bodyExcerptLimit truncates captured response bodies.
const bodyExcerptLimit = 512

// ProcessProbe reports on the supervised main process.
type ProcessProbe struct {
	Running    bool
	PID        int
	RSSBytes   uint64
	VMSBytes   uint64
	CPUPercent float64
}

// EndpointResult is one attempted HTTP endpoint.
type EndpointResult struct {
	Path    string
	Status  int
	Latency time.Duration
	Body    string
	Err     string
}

// HTTPProbe reports whether anything answered on the project port.
type HTTPProbe struct {
	Responded bool
	Endpoints []EndpointResult
	// Best is the first successful endpoint, or the deepest fallback
	// that answered when none succeeded.
	Best *EndpointResult
}

// DBProbe reports a database connectivity check.
type DBProbe struct {
	Attempted bool
	OK        bool
	Latency   time.Duration
	Err       string
}

// AuthProbe reports the auth sidecar state.
type AuthProbe struct {
	Enabled bool
	Active  bool
}

// Report is the full health picture for one project.
type Report struct {
	Project   string
	State     types.HealthState
	Reasons   []string
	Process   ProcessProbe
	HTTP      HTTPProbe
	DB        DBProbe
	Auth      AuthProbe
	CheckedAt time.Time
}

// Options tune a single health check.
type Options struct {
	Endpoint        string // defaults to /health
	Timeout         time.Duration
	ExpectedContent string // non-empty requires a body substring match
}

// Checker runs health probes.
type Checker struct {
	store  *store.Store
	client systemd.Client
	cfg    *config.Config
	http   *http.Client
	logger zerolog.Logger

	// pingDB is swapped out in tests; production dials postgres.
	pingDB func(ctx context.Context, dsn string) (time.Duration, error)
	// procStats is swapped out in tests; production reads /proc.
	procStats func(pid int) (rss, vms uint64, cpuPct float64, err error)
}

// NewChecker wires a health checker.
func NewChecker(st *store.Store, client systemd.Client, cfg *config.Config) *Checker {
	return &Checker{
		store:     st,
		client:    client,
		cfg:       cfg,
		http:      &http.Client{Timeout: 5 * time.Second},
		logger:    log.WithComponent("health"),
		pingDB:    pingPostgres,
		procStats: readProcStats,
	}
}

// Check probes the project and classifies the result.
func (c *Checker) Check(ctx context.Context, project string, opts Options) (*Report, error) {
	p, err := c.store.GetProject(project)
	if err != nil {
		return nil, err
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "/health"
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	r := &Report{Project: project, CheckedAt: time.Now().UTC()}
	r.Process = c.probeProcess(ctx, project)
	r.HTTP = c.probeHTTP(ctx, p.Port, opts.Endpoint)
	r.DB = c.probeDB(ctx, project)
	r.Auth = c.probeAuth(ctx, project)

	r.State, r.Reasons = classify(r, opts)
	return r, nil
}

// CheckWithRetry probes repeatedly until healthy-or-degraded or the
// attempts run out. Deploy validation uses this to ride out slow starts.
func (c *Checker) CheckWithRetry(ctx context.Context, project string, opts Options, attempts int, delay time.Duration) (*Report, error) {
	var last *Report
	for i := 0; i < attempts; i++ {
		r, err := c.Check(ctx, project, opts)
		if err != nil {
			return nil, err
		}
		last = r
		if r.State != types.Unhealthy {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(delay):
		}
	}
	return last, nil
}

func (c *Checker) probeProcess(ctx context.Context, project string) ProcessProbe {
	unit := types.ServiceApp.UnitName(project, "")
	active, err := c.client.IsActive(ctx, unit)
	if err != nil || !active {
		return ProcessProbe{}
	}
	pid, err := c.client.MainPID(ctx, unit)
	if err != nil || pid <= 0 {
		return ProcessProbe{Running: true}
	}
	probe := ProcessProbe{Running: true, PID: pid}
	if rss, vms, cpu, err := c.procStats(pid); err == nil {
		probe.RSSBytes, probe.VMSBytes, probe.CPUPercent = rss, vms, cpu
	}
	return probe
}

// probeHTTP walks the endpoint fallback chain. Any response at all,
// 4xx included, proves the process is listening.
func (c *Checker) probeHTTP(ctx context.Context, port int, endpoint string) HTTPProbe {
	paths := []string{endpoint}
	if endpoint != "/api/health" {
		paths = append(paths, "/api/health")
	}
	if endpoint != "/" {
		paths = append(paths, "/")
	}

	var probe HTTPProbe
	var lastResponse *EndpointResult
	for _, path := range paths {
		res := c.tryEndpoint(ctx, port, path)
		probe.Endpoints = append(probe.Endpoints, res)
		if res.Err == "" {
			probe.Responded = true
			r := res
			lastResponse = &r
			if res.Status < 400 {
				probe.Best = &r
				break
			}
		}
	}
	// Without a success, the deepest fallback that answered is the most
	// honest picture of what the app serves.
	if probe.Best == nil {
		probe.Best = lastResponse
	}
	return probe
}

func (c *Checker) tryEndpoint(ctx context.Context, port int, path string) EndpointResult {
	res := EndpointResult{Path: path}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	defer resp.Body.Close()
	res.Status = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, bodyExcerptLimit))
	res.Body = string(body)
	return res
}

func (c *Checker) probeDB(ctx context.Context, project string) DBProbe {
	l := fsops.Layout{Project: project, HomeRoot: c.cfg.HomeRoot, BackupRoot: c.cfg.BackupRoot, LogRoot: c.cfg.LogRoot}
	env, err := envfile.Load(l.EnvFile())
	if err != nil {
		return DBProbe{}
	}
	dsn := env["DATABASE_URL"]
	if dsn == "" {
		return DBProbe{}
	}
	probe := DBProbe{Attempted: true}
	latency, err := c.pingDB(ctx, dsn)
	probe.Latency = latency
	if err != nil {
		probe.Err = err.Error()
		return probe
	}
	probe.OK = true
	return probe
}

func (c *Checker) probeAuth(ctx context.Context, project string) AuthProbe {
	unit := types.ServiceAuth.UnitName(project, "")
	enabled, err := c.client.IsEnabled(ctx, unit)
	if err != nil || !enabled {
		return AuthProbe{}
	}
	active, _ := c.client.IsActive(ctx, unit)
	return AuthProbe{Enabled: true, Active: active}
}

// classify turns raw probes into the overall state. Unhealthy beats
// degraded beats healthy; every contributing reason is kept.
func classify(r *Report, opts Options) (types.HealthState, []string) {
	var unhealthy, degraded []string

	if !r.Process.Running {
		unhealthy = append(unhealthy, "main process is not running")
	}
	if !r.HTTP.Responded {
		unhealthy = append(unhealthy, "no HTTP endpoint responded")
	} else if best := r.HTTP.Best; best != nil {
		switch {
		case best.Status >= 500:
			unhealthy = append(unhealthy, fmt.Sprintf("%s returned %d", best.Path, best.Status))
		case best.Status >= 400 && best.Path != "/health" && best.Path != "/api/health":
			// A missing /health endpoint is not a fault; a 4xx on a
			// real path is.
			degraded = append(degraded, fmt.Sprintf("%s returned %d", best.Path, best.Status))
		}
		if opts.ExpectedContent != "" && !strings.Contains(best.Body, opts.ExpectedContent) {
			unhealthy = append(unhealthy, fmt.Sprintf("response body missing %q", opts.ExpectedContent))
		}
	}
	if r.DB.Attempted && !r.DB.OK {
		degraded = append(degraded, "database probe failed: "+r.DB.Err)
	}
	if r.Auth.Enabled && !r.Auth.Active {
		degraded = append(degraded, "auth service is enabled but not active")
	}

	switch {
	case len(unhealthy) > 0:
		return types.Unhealthy, append(unhealthy, degraded...)
	case len(degraded) > 0:
		return types.Degraded, degraded
	default:
		return types.Healthy, nil
	}
}

func pingPostgres(ctx context.Context, dsn string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return time.Since(start), err
	}
	defer conn.Close(ctx)
	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}

// readProcStats aggregates memory and CPU across the process and its
// descendants, since app servers usually fork workers.
func readProcStats(pid int) (uint64, uint64, float64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, 0, 0, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return 0, 0, 0, err
	}

	// Build the descendant set of pid.
	parent := map[int]int{}
	for _, p := range procs {
		if stat, err := p.Stat(); err == nil {
			parent[p.PID] = stat.PPID
		}
	}
	inTree := func(p int) bool {
		for depth := 0; p > 1 && depth < 32; depth++ {
			if p == pid {
				return true
			}
			p = parent[p]
		}
		return false
	}

	var rss, vms uint64
	var cpuSeconds, oldestStart float64
	for _, p := range procs {
		if !inTree(p.PID) {
			continue
		}
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		rss += uint64(stat.ResidentMemory())
		vms += uint64(stat.VirtualMemory())
		cpuSeconds += stat.CPUTime()
		if start, err := stat.StartTime(); err == nil {
			if oldestStart == 0 || start < oldestStart {
				oldestStart = start
			}
		}
	}

	var cpuPct float64
	if oldestStart > 0 {
		if elapsed := float64(time.Now().Unix()) - oldestStart; elapsed > 0 {
			cpuPct = cpuSeconds / elapsed * 100
		}
	}
	return rss, vms, cpuPct, nil
}

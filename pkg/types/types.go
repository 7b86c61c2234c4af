package types

import (
	"time"
)

// Runtime identifies the application runtime a project is deployed with.
type Runtime string

const (
	RuntimePython Runtime = "python"
	RuntimeNode   Runtime = "node"
	RuntimeNextJS Runtime = "nextjs"
	RuntimeStatic Runtime = "static"
)

// Runtimes is the closed set of supported runtimes.
var Runtimes = []Runtime{RuntimePython, RuntimeNode, RuntimeNextJS, RuntimeStatic}

// ValidRuntime reports whether r is one of the supported runtimes.
func ValidRuntime(r Runtime) bool {
	for _, known := range Runtimes {
		if r == known {
			return true
		}
	}
	return false
}

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectRunning ProjectStatus = "running"
	ProjectStopped ProjectStatus = "stopped"
	ProjectPaused  ProjectStatus = "paused"
	ProjectFailed  ProjectStatus = "failed"
)

// Project is a tenant on the host: a Linux user, a home tree, a reserved
// port, a supervised unit, and optional sidecar services.
type Project struct {
	Name          string        `db:"name"`
	Runtime       Runtime       `db:"runtime"`
	Port          int           `db:"port"`
	DatabaseIndex *int          `db:"database_index"`
	Status        ProjectStatus `db:"status"`
	CreatedAt     time.Time     `db:"created_at"`
	CreatedBy     string        `db:"created_by"`
}

// Release is an immutable deployed artifact snapshot addressed by a
// timestamped name. Exactly one release per project is current.
type Release struct {
	ID          int64     `db:"id"`
	Project     string    `db:"project"`
	ReleaseName string    `db:"release_name"`
	ReleasePath string    `db:"release_path"`
	DeployedAt  time.Time `db:"deployed_at"`
	IsCurrent   bool      `db:"is_current"`
	FilesSynced int       `db:"files_synced"`
	DeployedBy  string    `db:"deployed_by"`

	// Optional full-rollback material.
	CheckpointID *int64  `db:"checkpoint_id"`
	EnvSnapshot  *string `db:"env_snapshot"`

	// Git provenance when the source was a repository.
	GitCommit *string `db:"git_commit"`
	GitBranch *string `db:"git_branch"`
	GitTag    *string `db:"git_tag"`
	GitRepo   *string `db:"git_repo"`
}

// CheckpointType classifies why a database checkpoint was taken. The type
// decides the retention period.
type CheckpointType string

const (
	CheckpointManual       CheckpointType = "manual"
	CheckpointPreMigration CheckpointType = "pre_migration"
	CheckpointPreDeploy    CheckpointType = "pre_deploy"
	CheckpointPreRestore   CheckpointType = "pre_restore"
	CheckpointAuto         CheckpointType = "auto"
)

// CheckpointRetention maps checkpoint types to their retention window.
// Manual checkpoints never expire and have no entry.
var CheckpointRetention = map[CheckpointType]time.Duration{
	CheckpointPreMigration: 30 * 24 * time.Hour,
	CheckpointPreDeploy:    14 * 24 * time.Hour,
	CheckpointPreRestore:   7 * 24 * time.Hour,
	CheckpointAuto:         7 * 24 * time.Hour,
}

// Checkpoint is a point-in-time compressed database dump plus its metadata.
type Checkpoint struct {
	ID            int64          `db:"id"`
	Project       string         `db:"project"`
	Label         *string        `db:"label"`
	Type          CheckpointType `db:"checkpoint_type"`
	TriggerSource string         `db:"trigger_source"`
	DatabaseName  string         `db:"database_name"`
	BackupPath    string         `db:"backup_path"`
	SizeBytes     int64          `db:"size_bytes"`
	CreatedAt     time.Time      `db:"created_at"`
	CreatedBy     string         `db:"created_by"`
	ExpiresAt     *time.Time     `db:"expires_at"`
}

// Domain maps a DNS name onto a project.
type Domain struct {
	Domain         string `db:"domain"`
	Project        string `db:"project"`
	SSLProvisioned bool   `db:"ssl_provisioned"`
}

// ResourceLimits holds per-project cgroup limits. A nil field means
// unlimited on that axis.
type ResourceLimits struct {
	Project         string `db:"project"`
	CPUQuotaPercent *int   `db:"cpu_quota_percent"`
	MemoryMaxMB     *int   `db:"memory_max_mb"`
	MemoryHighMB    *int   `db:"memory_high_mb"`
	TasksMax        *int   `db:"tasks_max"`
	DiskQuotaMB     *int   `db:"disk_quota_mb"`
	Enabled         bool   `db:"enabled"`
}

// Validate checks the cross-field constraints of a limits row.
func (l *ResourceLimits) Validate() error {
	if l.MemoryHighMB != nil && l.MemoryMaxMB != nil && *l.MemoryHighMB > *l.MemoryMaxMB {
		return E(ErrInvalidSize, "memory_high_mb (%d) must not exceed memory_max_mb (%d)",
			*l.MemoryHighMB, *l.MemoryMaxMB)
	}
	return nil
}

// RateLimitConfig is the per-project deploy admission configuration.
// MaxDeploys == 0 disables rate limiting entirely.
type RateLimitConfig struct {
	Project                 string `db:"project"`
	MaxDeploys              int    `db:"max_deploys"`
	WindowMinutes           int    `db:"window_minutes"`
	FailureCooldownMinutes  int    `db:"failure_cooldown_minutes"`
	ConsecutiveFailureLimit int    `db:"consecutive_failure_limit"`
}

// DeployOutcome is the terminal result of one deploy attempt.
type DeployOutcome string

const (
	OutcomeSuccess DeployOutcome = "success"
	OutcomeFailure DeployOutcome = "failure"
)

// DeployRecord is one append-only row of deploy history, consumed by the
// rate-limit and auto-pause engines.
type DeployRecord struct {
	ID      int64         `db:"id"`
	Project string        `db:"project"`
	Outcome DeployOutcome `db:"outcome"`
	At      time.Time     `db:"at"`
}

// AutoPauseConfig controls the failure-burst circuit breaker per project.
type AutoPauseConfig struct {
	Project          string     `db:"project"`
	Enabled          bool       `db:"enabled"`
	FailureThreshold int        `db:"failure_threshold"`
	WindowMinutes    int        `db:"window_minutes"`
	Paused           bool       `db:"paused"`
	PausedAt         *time.Time `db:"paused_at"`
	PausedReason     *string    `db:"paused_reason"`
}

// EventLevel is the severity of a journal event.
type EventLevel string

const (
	LevelDebug    EventLevel = "DEBUG"
	LevelInfo     EventLevel = "INFO"
	LevelWarning  EventLevel = "WARNING"
	LevelError    EventLevel = "ERROR"
	LevelCritical EventLevel = "CRITICAL"
)

// EventCategory groups journal events by subsystem.
type EventCategory string

const (
	CategoryDeploy     EventCategory = "deploy"
	CategoryHealth     EventCategory = "health"
	CategoryAuth       EventCategory = "auth"
	CategoryMigrate    EventCategory = "migrate"
	CategoryCron       EventCategory = "cron"
	CategoryWorker     EventCategory = "worker"
	CategoryService    EventCategory = "service"
	CategoryCheckpoint EventCategory = "checkpoint"
	CategoryAlert      EventCategory = "alert"
	CategoryProject    EventCategory = "project"
	CategoryGit        EventCategory = "git"
)

// Event is one row in the append-only journal. Data carries structured
// context serialized as JSON.
type Event struct {
	ID        int64         `db:"id"`
	Project   string        `db:"project"`
	Category  EventCategory `db:"category"`
	EventType string        `db:"event_type"`
	Level     EventLevel    `db:"level"`
	Message   string        `db:"message"`
	Data      string        `db:"data"`
	CreatedAt time.Time     `db:"created_at"`
	CreatedBy string        `db:"created_by"`
}

// ScheduledTask is a recurring command run through a supervisor timer unit.
type ScheduledTask struct {
	ID              int64      `db:"id"`
	Project         string     `db:"project"`
	Name            string     `db:"name"`
	Schedule        string     `db:"schedule"`
	Command         string     `db:"command"`
	Description     string     `db:"description"`
	Enabled         bool       `db:"enabled"`
	LastRunAt       *time.Time `db:"last_run_at"`
	LastRunStatus   *string    `db:"last_run_status"`
	LastRunExitCode *int       `db:"last_run_exit_code"`
}

// Worker is a long-running queue-consumer process supervised per project.
type Worker struct {
	Project     string `db:"project"`
	Name        string `db:"worker_name"`
	Concurrency int    `db:"concurrency"`
	Queues      string `db:"queues"`
	AppModule   string `db:"app_module"`
	LogLevel    string `db:"loglevel"`
	Enabled     bool   `db:"enabled"`
}

// Operator is a human allowed to drive hostkit, keyed by username.
type Operator struct {
	Username  string     `db:"username"`
	SSHKeys   string     `db:"ssh_keys"`
	CreatedAt time.Time  `db:"created_at"`
	LastLogin *time.Time `db:"last_login"`
}

// HealthState is the overall classification produced by the health engine.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

// ServiceKind enumerates every unit hostkit manages for a project. The
// closed set replaces runtime name lookup: each kind maps to exactly one
// unit-name suffix.
type ServiceKind string

const (
	ServiceApp      ServiceKind = "app"
	ServiceWorker   ServiceKind = "worker"
	ServiceCron     ServiceKind = "cron"
	ServiceAuth     ServiceKind = "auth"
	ServiceChatbot  ServiceKind = "chatbot"
	ServiceSMS      ServiceKind = "sms"
	ServiceBooking  ServiceKind = "booking"
	ServicePayments ServiceKind = "payments"
	ServiceVector   ServiceKind = "vector"
)

// SidecarKinds are the optional per-project services besides the main app.
var SidecarKinds = []ServiceKind{
	ServiceAuth, ServiceChatbot, ServiceSMS, ServiceBooking,
	ServicePayments, ServiceVector,
}

// UnitName returns the systemd unit base name for a service kind. Worker
// and cron kinds take the instance name; the other kinds ignore it.
func (k ServiceKind) UnitName(project, instance string) string {
	switch k {
	case ServiceApp:
		return "hostkit-" + project
	case ServiceWorker:
		return "hostkit-" + project + "-worker-" + instance
	case ServiceCron:
		return "hostkit-" + project + "-cron-" + instance
	default:
		return "hostkit-" + project + "-" + string(k)
	}
}

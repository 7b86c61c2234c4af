package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the host configuration lives unless overridden by
// HOSTKIT_CONFIG.
const DefaultPath = "/etc/hostkit/config.yml"

// Config is the host-wide configuration. Every field has a working default
// so hostkit runs on a bare host with no config file at all.
type Config struct {
	// StorePath is the sqlite metadata store file.
	StorePath string `yaml:"store_path"`

	// VaultPath is the bbolt secrets vault file.
	VaultPath string `yaml:"vault_path"`

	// HomeRoot is the parent of project home directories.
	HomeRoot string `yaml:"home_root"`

	// BackupRoot holds per-project db/ and checkpoints/ trees.
	BackupRoot string `yaml:"backup_root"`

	// LogRoot holds per-project application logs.
	LogRoot string `yaml:"log_root"`

	// UnitDir is where rendered systemd units are written.
	UnitDir string `yaml:"unit_dir"`

	// GitCacheRoot holds bare repository caches keyed by project.
	GitCacheRoot string `yaml:"git_cache_root"`

	// PortRange bounds project port allocation, inclusive.
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`

	// ReleaseRetention is how many releases cleanup keeps per project.
	ReleaseRetention int `yaml:"release_retention"`

	// Postgres carries superuser access for checkpointing and provisioning.
	Postgres PostgresConfig `yaml:"postgres"`

	// Redis is the auxiliary key-value store used for database_index slots.
	Redis RedisConfig `yaml:"redis"`

	// RateLimit and AutoPause seed per-project defaults.
	RateLimit RateLimitDefaults `yaml:"rate_limit"`
	AutoPause AutoPauseDefaults `yaml:"auto_pause"`

	// PublicIP is this host's address, used to verify that a domain's
	// DNS record points here before configuring the reverse proxy.
	PublicIP string `yaml:"public_ip"`

	// LogLevel and LogJSON configure the process logger.
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// PostgresConfig locates the cluster and the admin role hostkit uses for
// role/database creation and checkpoint restores.
type PostgresConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AdminUser string `yaml:"admin_user"`
	AdminPass string `yaml:"admin_pass"`
}

// AdminDSN renders a connection string for the maintenance database.
func (p PostgresConfig) AdminDSN() string {
	return p.DSN("postgres", p.AdminUser, p.AdminPass)
}

// DSN renders a connection string for an arbitrary database and role.
func (p PostgresConfig) DSN(database, user, pass string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, pass, p.Host, p.Port, database)
}

// RedisConfig locates the shared redis instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	// MaxIndex bounds database_index allocation (redis defaults to 16 DBs).
	MaxIndex int `yaml:"max_index"`
}

// RateLimitDefaults seed new projects' rate-limit configuration.
type RateLimitDefaults struct {
	MaxDeploys              int `yaml:"max_deploys"`
	WindowMinutes           int `yaml:"window_minutes"`
	FailureCooldownMinutes  int `yaml:"failure_cooldown_minutes"`
	ConsecutiveFailureLimit int `yaml:"consecutive_failure_limit"`
}

// AutoPauseDefaults seed new projects' auto-pause configuration.
type AutoPauseDefaults struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	WindowMinutes    int  `yaml:"window_minutes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StorePath:        "/var/lib/hostkit/hostkit.db",
		VaultPath:        "/var/lib/hostkit/vault.db",
		HomeRoot:         "/home",
		BackupRoot:       "/backups",
		LogRoot:          "/var/log/projects",
		UnitDir:          "/etc/systemd/system",
		GitCacheRoot:     "/var/lib/hostkit/git-cache",
		PortRangeStart:   8001,
		PortRangeEnd:     8999,
		ReleaseRetention: 5,
		Postgres: PostgresConfig{
			Host:      "localhost",
			Port:      5432,
			AdminUser: "postgres",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			MaxIndex: 16,
		},
		RateLimit: RateLimitDefaults{
			MaxDeploys:              10,
			WindowMinutes:           60,
			FailureCooldownMinutes:  5,
			ConsecutiveFailureLimit: 3,
		},
		AutoPause: AutoPauseDefaults{
			Enabled:          true,
			FailureThreshold: 5,
			WindowMinutes:    10,
		},
		LogLevel: "info",
	}
}

// Load reads the config file at path (or DefaultPath when empty), layers
// environment overrides on top, and returns the result. A missing file is
// not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("HOSTKIT_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No config file; defaults apply.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.PortRangeStart <= 0 || cfg.PortRangeEnd > 65535 || cfg.PortRangeStart > cfg.PortRangeEnd {
		return nil, fmt.Errorf("invalid port range %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HOSTKIT_DB_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("HOSTKIT_VAULT_PATH"); v != "" {
		c.VaultPath = v
	}
	if v := os.Getenv("HOSTKIT_BACKUP_ROOT"); v != "" {
		c.BackupRoot = v
	}
	if v := os.Getenv("HOSTKIT_PORT_RANGE_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PortRangeStart = n
		}
	}
	if v := os.Getenv("HOSTKIT_PORT_RANGE_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PortRangeEnd = n
		}
	}
	if v := os.Getenv("HOSTKIT_PG_HOST"); v != "" {
		c.Postgres.Host = v
	}
	if v := os.Getenv("HOSTKIT_PG_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Postgres.Port = n
		}
	}
	if v := os.Getenv("HOSTKIT_PG_ADMIN_USER"); v != "" {
		c.Postgres.AdminUser = v
	}
	if v := os.Getenv("HOSTKIT_PG_ADMIN_PASS"); v != "" {
		c.Postgres.AdminPass = v
	}
	if v := os.Getenv("HOSTKIT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("HOSTKIT_PUBLIC_IP"); v != "" {
		c.PublicIP = v
	}
	if v := os.Getenv("HOSTKIT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Operator resolves the acting human for audit attribution: SUDO_USER when
// hostkit runs under sudo, then USER, then root.
func Operator() string {
	if v := os.Getenv("SUDO_USER"); v != "" {
		return v
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "root"
}

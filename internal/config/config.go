// Package config loads worklogd settings from defaults, a TOML file, the
// environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Remote backends.
const (
	BackendGitHub = "github"
	BackendGitDir = "gitdir"
	BackendNone   = "none"
)

// FileName is the config file searched for when --config is not given.
const FileName = "worklogs.toml"

// EnvPrefix prefixes every environment override, e.g. WORKLOGS_DATABASE_PATH.
const EnvPrefix = "WORKLOGS"

// legacyEnv maps keys to the variable names the first deployment used.
var legacyEnv = map[string]string{
	"sync.enabled":           "SYNC_ENABLED",
	"sync.outbound.interval": "SYNC_OUTBOUND_CRON",
	"sync.inbound.interval":  "SYNC_INBOUND_CRON",
	"remote.github.owner":    "GITHUB_OWNER",
	"remote.github.repo":     "GITHUB_REPO",
	"remote.github.token":    "GITHUB_PAT",
}

// Config is the resolved configuration.
type Config struct {
	DatabasePath string
	// TimeZone names the zone archive paths are written in.
	TimeZone string
	Location *time.Location `json:"-"`
	// DefaultInterval is the duration assumed for archive files whose name
	// carries none.
	DefaultInterval time.Duration

	Remote    RemoteConfig
	Sync      SyncConfig
	Dashboard DashboardConfig
	Log       LogConfig

	// File is the config file that was read, empty when none was found.
	File string
}

// RemoteConfig selects and configures the archive backend.
type RemoteConfig struct {
	Backend           string
	Branch            string
	GitHub            GitHubConfig
	GitDirPath        string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// GitHubConfig holds the GitHub repository coordinates.
type GitHubConfig struct {
	Owner  string
	Repo   string
	Token  string
	APIURL string
}

// Schedule is the cadence of one sync direction.
type Schedule struct {
	Interval time.Duration
	Jitter   time.Duration
}

// SyncConfig holds the engine tuning knobs.
type SyncConfig struct {
	Enabled           bool
	Outbound          Schedule
	Inbound           Schedule
	MaxBatchLogs      int
	MaxBatchBytes     int
	RateLimitFloor    int
	MaxRetries        int
	StaleAfter        time.Duration
	FullScanThreshold int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	LockTTL           time.Duration
}

// DashboardConfig configures the status surface.
type DashboardConfig struct {
	Addr string
}

// LogConfig configures log output. An empty File logs to stderr only.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Stderr     bool
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "worklogs.db")
	v.SetDefault("timezone", "America/Sao_Paulo")
	v.SetDefault("default_interval", "60m")

	v.SetDefault("remote.backend", BackendGitHub)
	v.SetDefault("remote.branch", "")
	v.SetDefault("remote.github.owner", "StudioVibi")
	v.SetDefault("remote.github.repo", "worklogs")
	v.SetDefault("remote.github.token", "")
	v.SetDefault("remote.github.api_url", "https://api.github.com")
	v.SetDefault("remote.gitdir.path", "")
	v.SetDefault("remote.requests_per_second", 10)
	v.SetDefault("remote.timeout", "30s")

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.outbound.interval", "15m")
	v.SetDefault("sync.outbound.jitter", "2m")
	v.SetDefault("sync.inbound.interval", "10m")
	v.SetDefault("sync.inbound.jitter", "1m")
	v.SetDefault("sync.batch.max_logs", 200)
	v.SetDefault("sync.batch.max_bytes", 2_000_000)
	v.SetDefault("sync.rate_limit_floor", 500)
	v.SetDefault("sync.max_retries", 15)
	v.SetDefault("sync.stale_after", "30m")
	v.SetDefault("sync.full_scan_threshold", 300)
	v.SetDefault("sync.base_backoff", "30s")
	v.SetDefault("sync.max_backoff", "6h")
	v.SetDefault("sync.lock_ttl", "1h")

	v.SetDefault("dashboard.addr", "127.0.0.1:8787")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.stderr", true)
}

// InitConfig builds the viper instance.
// Priority: flags > env vars > config file > defaults.
func InitConfig(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "worklogs"))
		}
		v.SetConfigName(strings.TrimSuffix(FileName, ".toml"))
		v.SetConfigType("toml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envName(key), legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load is InitConfig followed by GetConfig.
func Load(cfgFile string) (*Config, error) {
	v, err := InitConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	return GetConfig(v)
}

// GetConfig extracts and validates the configuration. Numeric knobs outside
// their range are clamped rather than rejected.
func GetConfig(v *viper.Viper) (*Config, error) {
	c := &Config{
		DatabasePath: v.GetString("database.path"),
		TimeZone:     v.GetString("timezone"),
		Remote: RemoteConfig{
			Backend: strings.ToLower(strings.TrimSpace(v.GetString("remote.backend"))),
			Branch:  v.GetString("remote.branch"),
			GitHub: GitHubConfig{
				Owner:  v.GetString("remote.github.owner"),
				Repo:   v.GetString("remote.github.repo"),
				Token:  v.GetString("remote.github.token"),
				APIURL: v.GetString("remote.github.api_url"),
			},
			GitDirPath:        v.GetString("remote.gitdir.path"),
			RequestsPerSecond: v.GetFloat64("remote.requests_per_second"),
			Timeout:           v.GetDuration("remote.timeout"),
		},
		Sync: SyncConfig{
			Enabled:           v.GetBool("sync.enabled"),
			MaxBatchLogs:      max(1, v.GetInt("sync.batch.max_logs")),
			MaxBatchBytes:     max(1024, v.GetInt("sync.batch.max_bytes")),
			RateLimitFloor:    max(0, v.GetInt("sync.rate_limit_floor")),
			MaxRetries:        max(1, v.GetInt("sync.max_retries")),
			StaleAfter:        v.GetDuration("sync.stale_after"),
			FullScanThreshold: max(1, v.GetInt("sync.full_scan_threshold")),
			BaseBackoff:       v.GetDuration("sync.base_backoff"),
			MaxBackoff:        v.GetDuration("sync.max_backoff"),
			LockTTL:           v.GetDuration("sync.lock_ttl"),
		},
		Dashboard: DashboardConfig{Addr: v.GetString("dashboard.addr")},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  max(1, v.GetInt("log.max_size_mb")),
			MaxBackups: max(0, v.GetInt("log.max_backups")),
			MaxAgeDays: max(0, v.GetInt("log.max_age_days")),
			Compress:   v.GetBool("log.compress"),
			Stderr:     v.GetBool("log.stderr"),
		},
		File: v.ConfigFileUsed(),
	}

	var err error
	if c.DefaultInterval, err = ParseInterval(v.GetString("default_interval")); err != nil {
		return nil, fmt.Errorf("default_interval: %w", err)
	}
	if c.Sync.Outbound, err = schedule(v, "sync.outbound"); err != nil {
		return nil, err
	}
	if c.Sync.Inbound, err = schedule(v, "sync.inbound"); err != nil {
		return nil, err
	}
	if c.Location, err = time.LoadLocation(c.TimeZone); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.TimeZone, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func schedule(v *viper.Viper, prefix string) (Schedule, error) {
	interval, err := ParseInterval(v.GetString(prefix + ".interval"))
	if err != nil {
		return Schedule{}, fmt.Errorf("%s.interval: %w", prefix, err)
	}
	return Schedule{Interval: interval, Jitter: max(0, v.GetDuration(prefix+".jitter"))}, nil
}

// Validate checks the settings that cannot be clamped.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database.path is required")
	}
	switch c.Remote.Backend {
	case BackendGitHub:
		if c.Remote.GitHub.Owner == "" || c.Remote.GitHub.Repo == "" {
			return errors.New("remote.github.owner and remote.github.repo are required")
		}
	case BackendGitDir:
		if c.Remote.GitDirPath == "" {
			return errors.New("remote.gitdir.path is required for the gitdir backend")
		}
	case BackendNone:
	default:
		return fmt.Errorf("unknown remote.backend %q (want github, gitdir or none)", c.Remote.Backend)
	}
	return nil
}

// RemoteEnabled reports whether the configured backend can reach an archive.
// A GitHub backend without a token is treated as disabled.
func (c *Config) RemoteEnabled() bool {
	switch c.Remote.Backend {
	case BackendGitHub:
		return c.Remote.GitHub.Token != ""
	case BackendGitDir:
		return true
	}
	return false
}

var everyMinutes = regexp.MustCompile(`^\*/(\d+)\s+\*\s+\*\s+\*\s+\*$`)

// ParseInterval accepts a Go duration ("15m"), a bare minute count ("15")
// or the cron shorthand "*/15 * * * *". Other cron expressions are rejected.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.New("empty interval")
	}
	if m := everyMinutes.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("interval %q must be positive", raw)
		}
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", raw)
	}
	return d, nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/huh"
	"github.com/spf13/viper"
)

// ErrExists is returned by WriteFile when the target exists and force is off.
var ErrExists = errors.New("config file already exists")

const fileHeader = `# worklogd configuration.
#
# Every key can be overridden with a WORKLOGS_ environment variable, e.g.
# WORKLOGS_REMOTE_GITHUB_TOKEN. Intervals accept "15m", "15" (minutes) or
# "*/15 * * * *".

`

type fileConfig struct {
	TimeZone        string        `toml:"timezone"`
	DefaultInterval string        `toml:"default_interval"`
	Database        fileDatabase  `toml:"database"`
	Remote          fileRemote    `toml:"remote"`
	Sync            fileSync      `toml:"sync"`
	Dashboard       fileDashboard `toml:"dashboard"`
	Log             fileLog       `toml:"log"`
}

type fileDatabase struct {
	Path string `toml:"path"`
}

type fileRemote struct {
	Backend           string     `toml:"backend"`
	Branch            string     `toml:"branch"`
	RequestsPerSecond float64    `toml:"requests_per_second"`
	Timeout           string     `toml:"timeout"`
	GitHub            fileGitHub `toml:"github"`
	GitDir            fileGitDir `toml:"gitdir"`
}

type fileGitHub struct {
	Owner  string `toml:"owner"`
	Repo   string `toml:"repo"`
	Token  string `toml:"token,omitempty"`
	APIURL string `toml:"api_url"`
}

type fileGitDir struct {
	Path string `toml:"path"`
}

type fileSchedule struct {
	Interval string `toml:"interval"`
	Jitter   string `toml:"jitter"`
}

type fileBatch struct {
	MaxLogs  int `toml:"max_logs"`
	MaxBytes int `toml:"max_bytes"`
}

type fileSync struct {
	Enabled           bool         `toml:"enabled"`
	RateLimitFloor    int          `toml:"rate_limit_floor"`
	MaxRetries        int          `toml:"max_retries"`
	StaleAfter        string       `toml:"stale_after"`
	FullScanThreshold int          `toml:"full_scan_threshold"`
	BaseBackoff       string       `toml:"base_backoff"`
	MaxBackoff        string       `toml:"max_backoff"`
	LockTTL           string       `toml:"lock_ttl"`
	Outbound          fileSchedule `toml:"outbound"`
	Inbound           fileSchedule `toml:"inbound"`
	Batch             fileBatch    `toml:"batch"`
}

type fileDashboard struct {
	Addr string `toml:"addr"`
}

type fileLog struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Stderr     bool   `toml:"stderr"`
}

// Default returns the built-in configuration, ignoring files and env.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	c, err := GetConfig(v)
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return c
}

// WriteFile writes c as TOML to path with owner-only permissions.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to check %s: %w", path, err)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.WriteString(fileHeader); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(c.toFile()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}

func (c *Config) toFile() fileConfig {
	return fileConfig{
		TimeZone:        c.TimeZone,
		DefaultInterval: formatDuration(c.DefaultInterval),
		Database:        fileDatabase{Path: c.DatabasePath},
		Remote: fileRemote{
			Backend:           c.Remote.Backend,
			Branch:            c.Remote.Branch,
			RequestsPerSecond: c.Remote.RequestsPerSecond,
			Timeout:           formatDuration(c.Remote.Timeout),
			GitHub: fileGitHub{
				Owner:  c.Remote.GitHub.Owner,
				Repo:   c.Remote.GitHub.Repo,
				Token:  c.Remote.GitHub.Token,
				APIURL: c.Remote.GitHub.APIURL,
			},
			GitDir: fileGitDir{Path: c.Remote.GitDirPath},
		},
		Sync: fileSync{
			Enabled:           c.Sync.Enabled,
			RateLimitFloor:    c.Sync.RateLimitFloor,
			MaxRetries:        c.Sync.MaxRetries,
			StaleAfter:        formatDuration(c.Sync.StaleAfter),
			FullScanThreshold: c.Sync.FullScanThreshold,
			BaseBackoff:       formatDuration(c.Sync.BaseBackoff),
			MaxBackoff:        formatDuration(c.Sync.MaxBackoff),
			LockTTL:           formatDuration(c.Sync.LockTTL),
			Outbound:          fileSchedule{Interval: formatDuration(c.Sync.Outbound.Interval), Jitter: formatDuration(c.Sync.Outbound.Jitter)},
			Inbound:           fileSchedule{Interval: formatDuration(c.Sync.Inbound.Interval), Jitter: formatDuration(c.Sync.Inbound.Jitter)},
			Batch:             fileBatch{MaxLogs: c.Sync.MaxBatchLogs, MaxBytes: c.Sync.MaxBatchBytes},
		},
		Dashboard: fileDashboard{Addr: c.Dashboard.Addr},
		Log: fileLog{
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
			Stderr:     c.Log.Stderr,
		},
	}
}

// formatDuration drops the zero units time.Duration.String leaves behind:
// 15m0s becomes 15m and 1h0m0s becomes 1h.
func formatDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}

// Prompt asks for the settings that differ between installations and
// stores the answers in c.
func Prompt(c *Config) error {
	var (
		dbPath  = c.DatabasePath
		tz      = c.TimeZone
		backend = c.Remote.Backend
		owner   = c.Remote.GitHub.Owner
		repo    = c.Remote.GitHub.Repo
		token   = c.Remote.GitHub.Token
		gitDir  = c.Remote.GitDirPath
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Database path").
				Value(&dbPath),
			huh.NewInput().
				Title("Time zone").
				Description("IANA zone the archive file names are written in").
				Validate(func(s string) error {
					_, err := time.LoadLocation(s)
					return err
				}).
				Value(&tz),
			huh.NewSelect[string]().
				Title("Archive backend").
				Options(
					huh.NewOption("GitHub repository", BackendGitHub),
					huh.NewOption("Local bare git repository", BackendGitDir),
					huh.NewOption("None (local only)", BackendNone),
				).
				Value(&backend),
		),
		huh.NewGroup(
			huh.NewInput().Title("GitHub owner").Value(&owner),
			huh.NewInput().Title("GitHub repository").Value(&repo),
			huh.NewInput().
				Title("Personal access token").
				Description("Leave empty to keep the backend disabled").
				EchoMode(huh.EchoModePassword).
				Value(&token),
		).WithHideFunc(func() bool { return backend != BackendGitHub }),
		huh.NewGroup(
			huh.NewInput().
				Title("Bare repository path").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("path is required")
					}
					return nil
				}).
				Value(&gitDir),
		).WithHideFunc(func() bool { return backend != BackendGitDir }),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("config prompt: %w", err)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	c.DatabasePath = dbPath
	c.TimeZone = tz
	c.Location = loc
	c.Remote.Backend = backend
	c.Remote.GitHub.Owner = owner
	c.Remote.GitHub.Repo = repo
	c.Remote.GitHub.Token = token
	c.Remote.GitDirPath = gitDir
	return c.Validate()
}

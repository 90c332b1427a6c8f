package config

import (
	"fmt"
	"log"

	"github.com/studiovibi/worklogs/internal/worklog/daemon"
	"github.com/studiovibi/worklogs/internal/worklog/remote"
	"github.com/studiovibi/worklogs/internal/worklog/sync"
)

// NewRemote builds the archive backend. BackendNone yields remote.Disabled.
func (c *Config) NewRemote(logger *log.Logger) (remote.Store, error) {
	switch c.Remote.Backend {
	case BackendGitHub:
		gh, err := remote.NewGitHub(remote.GitHubConfig{
			Owner:             c.Remote.GitHub.Owner,
			Repo:              c.Remote.GitHub.Repo,
			Token:             c.Remote.GitHub.Token,
			APIURL:            c.Remote.GitHub.APIURL,
			Branch:            c.Remote.Branch,
			RequestsPerSecond: c.Remote.RequestsPerSecond,
			Timeout:           c.Remote.Timeout,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure github backend: %w", err)
		}
		return gh, nil
	case BackendGitDir:
		gd, err := remote.NewGitDir(remote.GitDirConfig{
			Path:    c.Remote.GitDirPath,
			Branch:  c.Remote.Branch,
			Timeout: c.Remote.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open gitdir backend: %w", err)
		}
		return gd, nil
	default:
		return remote.Disabled{}, nil
	}
}

// DispatcherConfig maps the outbound settings. holder may be empty.
func (c *Config) DispatcherConfig(holder string, logger *log.Logger) sync.DispatcherConfig {
	return sync.DispatcherConfig{
		MaxBatchLogs:   c.Sync.MaxBatchLogs,
		MaxBatchBytes:  c.Sync.MaxBatchBytes,
		RateLimitFloor: c.Sync.RateLimitFloor,
		MaxRetries:     c.Sync.MaxRetries,
		StaleAfter:     c.Sync.StaleAfter,
		BaseBackoff:    c.Sync.BaseBackoff,
		MaxBackoff:     c.Sync.MaxBackoff,
		LockTTL:        c.Sync.LockTTL,
		Location:       c.Location,
		Holder:         holder,
		Logger:         logger,
	}
}

// ReconcilerConfig maps the inbound settings. holder may be empty.
func (c *Config) ReconcilerConfig(holder string, logger *log.Logger) sync.ReconcilerConfig {
	return sync.ReconcilerConfig{
		Branch:            c.Remote.Branch,
		FullScanThreshold: c.Sync.FullScanThreshold,
		DefaultDuration:   c.DefaultInterval,
		Location:          c.Location,
		LockTTL:           c.Sync.LockTTL,
		Holder:            holder,
		Logger:            logger,
	}
}

// DaemonConfig maps the scheduler cadence. The gitdir backend also gets its
// repository watched for branch updates.
func (c *Config) DaemonConfig(logger *log.Logger) daemon.Config {
	cfg := daemon.DefaultConfig()
	cfg.Outbound.Interval = c.Sync.Outbound.Interval
	cfg.Outbound.Jitter = c.Sync.Outbound.Jitter
	cfg.Inbound.Interval = c.Sync.Inbound.Interval
	cfg.Inbound.Jitter = c.Sync.Inbound.Jitter
	if c.Remote.Backend == BackendGitDir {
		cfg.WatchGitDir = c.Remote.GitDirPath
	}
	if logger != nil {
		cfg.Logger = logger
	}
	return cfg
}

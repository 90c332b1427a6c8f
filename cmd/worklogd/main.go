// Command worklogd keeps the local worklog store and the git archive in sync.
package main

import (
	"fmt"
	"io"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/studiovibi/worklogs/internal/config"
	"github.com/studiovibi/worklogs/internal/logging"
	"github.com/studiovibi/worklogs/internal/worklog/db"
	"github.com/studiovibi/worklogs/internal/worklog/remote"
	"github.com/studiovibi/worklogs/internal/worklog/sync"
)

var (
	cfgFile string
	cfg     *config.Config
	logs    io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "worklogd",
	Short: "Worklog sync engine",
	Long: `worklogd keeps a local SQLite store of work logs in sync with a git
archive holding one human-readable file per log.

Logs written locally are queued and delivered in batched commits (outbound);
changes made directly in the archive are imported back (inbound).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.InitConfig(cfgFile)
		if err != nil {
			return err
		}
		if err := v.BindPFlag("database.path", cmd.Flags().Lookup("db")); err != nil {
			return err
		}
		if cfg, err = config.GetConfig(v); err != nil {
			return err
		}
		logs, err = logging.Setup(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
			Stderr:     cfg.Log.Stderr,
		})
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Logs:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./worklogs.toml or ~/.config/worklogs/worklogs.toml)")
	rootCmd.PersistentFlags().String("db", "", "database path (overrides database.path)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openDB opens the configured store and applies the schema.
func openDB() (*db.DB, error) {
	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return database, nil
}

// engine is the store, archive and both sync directions of one process.
type engine struct {
	db         *db.DB
	store      remote.Store
	dispatcher *sync.Dispatcher
	reconciler *sync.Reconciler
}

func openEngine() (*engine, error) {
	database, err := openDB()
	if err != nil {
		return nil, err
	}
	store, err := cfg.NewRemote(logging.New(logging.PrefixRemote))
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	holder := sync.NewHolderID()
	return &engine{
		db:         database,
		store:      store,
		dispatcher: sync.NewDispatcher(database, store, cfg.DispatcherConfig(holder, logging.New(logging.PrefixOutbound))),
		reconciler: sync.NewReconciler(database, store, cfg.ReconcilerConfig(holder, logging.New(logging.PrefixInbound))),
	}, nil
}

func (e *engine) runner(name string) (sync.Runner, bool) {
	switch name {
	case e.dispatcher.Name():
		return e.dispatcher, true
	case e.reconciler.Name():
		return e.reconciler, true
	}
	return nil, false
}

func (e *engine) Close() error { return e.db.Close() }

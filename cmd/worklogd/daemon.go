package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/studiovibi/worklogs/internal/logging"
	"github.com/studiovibi/worklogs/internal/worklog/daemon"
	"github.com/studiovibi/worklogs/internal/worklog/dashboard"
	"github.com/studiovibi/worklogs/internal/worklog/sync"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the scheduled sync loops and the status dashboard",
	Long: `Run both sync directions on their schedules in the foreground.

Each direction waits a short initial delay, then repeats every interval plus
a random jitter. A run that is still in flight when its next tick arrives
delays that tick instead of overlapping it.

The status dashboard serves:
  GET  /health
  GET  /v1/sync/status
  GET  /v1/sync/dead
  POST /v1/sync/outbound   trigger an immediate outbound run
  POST /v1/sync/inbound    trigger an immediate inbound run
  GET  /ws                 sync_run and status messages

With the gitdir backend, branch updates in the bare repository also trigger
an inbound run.

Stops gracefully on SIGINT or SIGTERM, letting in-flight runs finish.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		if addr == "" {
			addr = cfg.Dashboard.Addr
		}

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		logger := logging.New(logging.PrefixScheduler)
		var (
			d      *daemon.Daemon
			server *dashboard.Server
		)
		if cfg.Sync.Enabled {
			dcfg := cfg.DaemonConfig(logger)
			dcfg.OnRun = func(ev daemon.RunEvent) {
				if server != nil {
					server.OnRun(ev)
				}
			}
			d, err = daemon.New(e.dispatcher, e.reconciler, dcfg)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}
		} else {
			logger.Println("Sync is disabled (sync.enabled=false); serving status only")
		}

		if !noDashboard {
			var trigger dashboard.Trigger
			if d != nil {
				trigger = d
			}
			server = dashboard.NewServer(e.db, trigger, dashboard.Config{
				Addr:          addr,
				RemoteEnabled: e.store.Enabled(),
				Logger:        logging.New(logging.PrefixDashboard),
			})
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
		}

		if !e.store.Enabled() {
			logger.Printf("Remote %q is not configured; runs will be skipped with %s", e.store.Name(), sync.SkipRemoteDisabled)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if d == nil {
			<-ctx.Done()
			return nil
		}
		return d.Run(ctx)
	},
}

func init() {
	daemonCmd.Flags().String("addr", "", "dashboard listen address (overrides dashboard.addr)")
	daemonCmd.Flags().Bool("no-dashboard", false, "do not serve the status dashboard")
	rootCmd.AddCommand(daemonCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/studiovibi/worklogs/internal/config"
	"github.com/studiovibi/worklogs/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Create or show the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Long: `Write a TOML config file holding every setting with its default value.

The file goes to ./worklogs.toml unless a path is given. With --interactive
the database, time zone and archive backend are asked for first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive, _ := cmd.Flags().GetBool("interactive")
		force, _ := cmd.Flags().GetBool("force")

		path := config.FileName
		if len(args) == 1 {
			path = args[0]
		}

		c := config.Default()
		if interactive {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("--interactive needs a terminal")
			}
			if err := config.Prompt(c); err != nil {
				return err
			}
		}
		if err := c.WriteFile(path, force); err != nil {
			return err
		}
		abs, _ := filepath.Abs(path)
		fmt.Printf("Wrote %s\n", abs)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		shown := *cfg
		if shown.Remote.GitHub.Token != "" {
			shown.Remote.GitHub.Token = "********"
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(shown)
		}

		source := shown.File
		if source == "" {
			source = "(defaults and environment)"
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		rows := [][2]string{
			{"config file", source},
			{"database.path", shown.DatabasePath},
			{"timezone", shown.TimeZone},
			{"default_interval", shown.DefaultInterval.String()},
			{"remote.backend", shown.Remote.Backend},
			{"remote.branch", shown.Remote.Branch},
			{"remote.github", shown.Remote.GitHub.Owner + "/" + shown.Remote.GitHub.Repo},
			{"remote.github.token", shown.Remote.GitHub.Token},
			{"remote.gitdir.path", shown.Remote.GitDirPath},
			{"sync.enabled", fmt.Sprint(shown.Sync.Enabled)},
			{"sync.outbound", fmt.Sprintf("every %s ± %s", shown.Sync.Outbound.Interval, shown.Sync.Outbound.Jitter)},
			{"sync.inbound", fmt.Sprintf("every %s ± %s", shown.Sync.Inbound.Interval, shown.Sync.Inbound.Jitter)},
			{"sync.batch", fmt.Sprintf("%d logs / %d bytes", shown.Sync.MaxBatchLogs, shown.Sync.MaxBatchBytes)},
			{"sync.rate_limit_floor", fmt.Sprint(shown.Sync.RateLimitFloor)},
			{"sync.max_retries", fmt.Sprint(shown.Sync.MaxRetries)},
			{"sync.full_scan_threshold", fmt.Sprint(shown.Sync.FullScanThreshold)},
			{"dashboard.addr", shown.Dashboard.Addr},
			{"log.file", shown.Log.File},
		}
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\n", r[0], r[1])
		}
		return tw.Flush()
	},
}

func init() {
	configInitCmd.Flags().BoolP("interactive", "i", false, "prompt for the main settings")
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

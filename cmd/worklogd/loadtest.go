package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/studiovibi/worklogs/internal/worklog/db"
	"github.com/studiovibi/worklogs/internal/worklog/loadtest"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Measure outbox claiming under contention",
	Long: `Seed a scratch database with pending logs and drain its outbox with
several concurrent claimers, the way multiple dispatcher processes sharing
one database would. Reports claim latency and fails if any entry was
claimed twice.

The configured database is never touched; a temporary one is used unless
--path is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		claimers, _ := cmd.Flags().GetInt("claimers")
		records, _ := cmd.Flags().GetInt("records")
		batch, _ := cmd.Flags().GetInt("batch")
		owners, _ := cmd.Flags().GetInt("owners")
		path, _ := cmd.Flags().GetString("path")
		asJSON, _ := cmd.Flags().GetBool("json")

		if path == "" {
			dir, err := os.MkdirTemp("", "worklogd-loadtest-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			path = filepath.Join(dir, "loadtest.db")
		}
		database, err := db.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		if err := database.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		if !asJSON {
			fmt.Printf("Claiming %d records with %d claimers (batch %d) in %s\n", records, claimers, batch, path)
		}
		report, err := loadtest.Run(cmd.Context(), database, loadtest.Options{
			Claimers:  claimers,
			Records:   records,
			BatchSize: batch,
			Owners:    owners,
		})
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			report.Print(os.Stdout)
		}
		if report.Duplicates > 0 {
			return fmt.Errorf("%d entries were claimed more than once", report.Duplicates)
		}
		return nil
	},
}

func init() {
	loadtestCmd.Flags().IntP("claimers", "n", 8, "concurrent claimers")
	loadtestCmd.Flags().IntP("records", "m", 2000, "records to seed")
	loadtestCmd.Flags().Int("batch", 50, "claim limit per call")
	loadtestCmd.Flags().Int("owners", 16, "owners the records are spread over")
	loadtestCmd.Flags().String("path", "", "database file to use instead of a temporary one")
	loadtestCmd.Flags().Bool("json", false, "print the report as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

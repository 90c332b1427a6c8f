package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/studiovibi/worklogs/internal/ui"
	"github.com/studiovibi/worklogs/internal/worklog/db"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show outbox and cursor state",
	Long: `Show the state of the sync engine: outbox counts per state, the age of
the oldest undelivered log, the last revision each direction processed and
the most recent dead letters.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		st, err := database.Status(cmd.Context())
		if err != nil {
			return err
		}
		st.RemoteEnabled = cfg.RemoteEnabled()
		return writeStatus(os.Stdout, st, format)
	},
}

func writeStatus(w io.Writer, st *db.Status, format string) error {
	switch format {
	case "text", "":
		ui.Status(w, st, cfg.Remote.Backend)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(st); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}

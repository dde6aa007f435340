package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"calendar-ingest-worker/internal/app"
	"calendar-ingest-worker/internal/config"
	"calendar-ingest-worker/internal/credentials"
	"calendar-ingest-worker/internal/db"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// newResolver is replaced in tests
var newResolver = func() *credentials.Resolver { return credentials.NewResolver() }

type rootOptions struct {
	configFile string
	jsonOutput bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "calendar-worker",
		Short: "IMAP calendar event ingest worker",
		Long: `calendar-worker watches provider mailboxes over IMAP, extracts
calendar events from incoming mail and stores them after spam,
duplicate and confidence screening.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.jsonOutput, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newMigrateCmd(opts),
		newProvidersCmd(opts),
		newOAuthTokenCmd(),
		newVersionCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	app.ConfigureLogging(cfg.Log)
	return cfg, nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the worker and the ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := app.Run(contextOrBackground(cmd), cfg); err != nil {
				logrus.WithError(err).Error("Worker exited with error")
				return err
			}
			return nil
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			conn, err := db.Init(cfg.Database)
			if err != nil {
				return err
			}
			if sqlDB, err := conn.DB(); err == nil {
				defer sqlDB.Close()
			}
			return opts.print(cmd.OutOrStdout(), map[string]bool{"ok": true}, "Database schema is up to date")
		},
	}
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.print(cmd.OutOrStdout(),
				map[string]string{"version": version, "commit": commit, "date": buildDate},
				fmt.Sprintf("calendar-worker %s (%s, %s)", version, commit, buildDate))
		},
	}
}

// print writes v as JSON when --json is set, text otherwise
func (o *rootOptions) print(w io.Writer, v interface{}, text string) error {
	if o.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

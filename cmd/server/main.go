// Package main is the entry point for the coloring page server.
//
// The main package stays small: it builds the logger, loads configuration
// and hands over to internal/server. Two commands are exposed:
//
//	server            serve the HTTP API (default)
//	server migrate    move the SQLite schema up or down
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ylayali/family-coloring-page-generator/internal/config"
	sqliteRepo "github.com/ylayali/family-coloring-page-generator/internal/repository/sqlite"
	"github.com/ylayali/family-coloring-page-generator/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:          "server",
		Short:        "Family coloring page generator API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to read before the environment")

	rootCmd.AddCommand(
		newServeCmd(&envFile),
		newMigrateCmd(),
	)
	return rootCmd
}

func newServeCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *envFile)
		},
	}
}

func serve(ctx context.Context, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		slog.Error("loading configuration", slog.String("error", err.Error()))
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		return err
	}

	// Start blocks until the server is shut down.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// newLogger logs human-readable text in dev and JSON everywhere else.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsDev() {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// =========================================================================
// migrate
// =========================================================================

func newMigrateCmd() *cobra.Command {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "data/coloring.db"
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", dbPath, "path to the SQLite database")

	withDB := func(fn func(cmd *cobra.Command, db *sqliteRepo.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			db, err := sqliteRepo.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd, db)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withDB(func(cmd *cobra.Command, db *sqliteRepo.DB) error {
				if err := db.MigrateUp(); err != nil {
					return err
				}
				return printVersion(cmd, db)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: withDB(func(cmd *cobra.Command, db *sqliteRepo.DB) error {
				if err := db.MigrateDown(); err != nil {
					return err
				}
				return printVersion(cmd, db)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE:  withDB(printVersion),
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, db *sqliteRepo.DB) error {
	version, dirty, err := db.SchemaVersion()
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty)\n", version)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
	return nil
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckwork/conveyor/internal/config"
	"github.com/deckwork/conveyor/internal/log"
	"github.com/deckwork/conveyor/internal/store"
	"github.com/deckwork/conveyor/internal/store/memory"
	"github.com/deckwork/conveyor/internal/store/postgres"
	"github.com/deckwork/conveyor/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfg *config.Config

	// Global flags.
	flagDB       string
	flagConfig   string
	flagJSON     bool
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Persistent task queue and pipeline scheduler",
	Long: `conveyor schedules document-processing pipelines over PostgreSQL:
atomic task leasing, dependency DAGs, retries with backoff, worker
lifecycle, and crash recovery.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagDB != "" {
			cfg.DatabaseURL = flagDB
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = flagLogLevel
		}
		log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
		return telemetry.Init(cmd.Context(), telemetry.Config{
			Enabled:  cfg.OTelEnabled,
			Stdout:   cfg.OTelStdout,
			Endpoint: cfg.OTelEndpoint,
			Service:  "conveyor",
			Version:  Version,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

// openStore connects to the configured store. The "memory:" scheme gives an
// ephemeral in-process queue for local experiments; anything else is a
// PostgreSQL URL.
func openStore(ctx context.Context) (store.Storage, error) {
	switch {
	case cfg.DatabaseURL == "":
		return nil, fmt.Errorf("no database configured (set --db or CONVEYOR_DATABASE_URL): %w", store.ErrInvalid)
	case strings.HasPrefix(cfg.DatabaseURL, "memory:"):
		return telemetry.WrapStorage(memory.New(
			memory.WithBackoffPolicy(cfg.BackoffPolicy()),
			memory.WithPayloadLimit(cfg.PayloadMaxBytes),
		)), nil
	default:
		s, err := postgres.Open(ctx, cfg.DatabaseURL,
			postgres.WithBackoffPolicy(cfg.BackoffPolicy()),
			postgres.WithPayloadLimit(cfg.PayloadMaxBytes),
		)
		if err != nil {
			return nil, err
		}
		return telemetry.WrapStorage(s), nil
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(recoveryCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the conveyor version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("conveyor", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

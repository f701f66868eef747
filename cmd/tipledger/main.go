/*
main.go - Application entry point

PURPOSE:
  The tipledger command: runs the HTTP server and the operator tools that
  read the same database.

COMMANDS:
  serve       HTTP API, batch scheduler, graceful shutdown
  verify      Audit chain + every locked batch's line hashes
  reconcile   Read-only reconciliation report as JSON

CONFIGURATION:
  Environment (and an optional .env) via package config. The persistent
  flags --port, --db, --log-level override PORT, DB_PATH, LOG_LEVEL.

EXAMPLES:
  tipledger serve --db=./data/tips.db
  tipledger verify
  tipledger reconcile --location=loc-1 --from=2025-03-03 --to=2025-03-09

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/tip-ledger/config"
)

var (
	flagPort     int
	flagDB       string
	flagLogLevel string

	rootCmd = &cobra.Command{
		Use:   "tipledger",
		Short: "Tip allocation ledger for hospitality venues",
		Long: `tipledger allocates card tips to staff according to versioned rule sets,
locks allocations for payroll and keeps a tamper-evident audit trail.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().IntVar(&flagPort, "port", 0, "HTTP server port (overrides PORT)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", `SQLite database path (overrides DB_PATH); ":memory:" for in-memory`)
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(reconcileCmd())
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = flagPort
	}
	if flags.Changed("db") {
		cfg.DBPath = flagDB
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	log, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	return cfg, log, nil
}

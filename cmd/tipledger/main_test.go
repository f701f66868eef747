package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flagCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().IntVar(&flagPort, "port", 0, "")
	cmd.Flags().StringVar(&flagDB, "db", "", "")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "", "")
	return cmd
}

func TestLoadConfig_FlagsOverrideEnvironment(t *testing.T) {
	// GIVEN: environment values and explicit flags for two of them
	t.Setenv("PORT", "9000")
	t.Setenv("DB_PATH", "/tmp/from-env.db")
	t.Setenv("LOG_LEVEL", "warn")

	cmd := flagCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--port=7000", "--log-level=debug"}))

	// WHEN: config is loaded
	cfg, log, err := loadConfig(cmd)
	require.NoError(t, err)

	// THEN: changed flags win, the untouched key keeps its env value
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/from-env.db", cfg.DBPath)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestLoadConfig_InvalidFlagIsRejected(t *testing.T) {
	cmd := flagCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--port=70000"}))

	_, _, err := loadConfig(cmd)
	assert.Error(t, err)
}

func TestVerify_EmptyDatabase(t *testing.T) {
	// GIVEN: a fresh database file
	db := filepath.Join(t.TempDir(), "data", "tips.db")

	// WHEN: verify runs against it
	rootCmd.SetArgs([]string{"verify", "--db", db, "--log-level", "error"})
	err := rootCmd.ExecuteContext(context.Background())

	// THEN: an empty ledger verifies and the directory was created
	require.NoError(t, err)
	assert.FileExists(t, db)
}

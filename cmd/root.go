package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/lockplane/sqlstep/internal/logging"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
var globalFlags struct {
	env         string
	databaseURL string
	dir         string
	dialect     string
	logLevel    string
	logFormat   string
}

var rootCmd = &cobra.Command{
	Use:   "sqlstep",
	Short: "Apply ordered SQL migration files and track them in a ledger",
	Long: `sqlstep applies a directory of versioned SQL files (001_init.sql,
002_users.sql, ...) to a database. Each file runs in its own transaction and
every attempt is recorded in a ledger table, so a rerun only applies files
that have not completed yet.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(globalFlags.logLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(logging.New(logging.Options{
			Level:  level,
			Format: globalFlags.logFormat,
			Output: cmd.ErrOrStderr(),
		}))
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&globalFlags.env, "env", "", "Environment from sqlstep.toml (default: default_environment or local)")
	flags.StringVar(&globalFlags.databaseURL, "database-url", "", "Database URL (overrides config and DATABASE_URL)")
	flags.StringVar(&globalFlags.dir, "dir", "", "Migrations directory (overrides config)")
	flags.StringVar(&globalFlags.dialect, "dialect", "", "Statement splitting dialect: generic, block, mysql or batch")
	flags.StringVar(&globalFlags.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flags.StringVar(&globalFlags.logFormat, "log-format", "text", "Log format: text or json")
}

// exitError carries a process exit code with an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

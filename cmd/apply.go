package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lockplane/sqlstep/internal/database"
	"github.com/lockplane/sqlstep/internal/engine"
	"github.com/lockplane/sqlstep/internal/metrics"
	"github.com/lockplane/sqlstep/internal/sqlcheck"
	"github.com/spf13/cobra"
)

var applyFlags struct {
	json            bool
	metricsTextfile string
	preflight       bool
}

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().BoolVar(&applyFlags.json, "json", false, "Print the run report as JSON")
	applyCmd.Flags().StringVar(&applyFlags.metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics for this run to a textfile")
	applyCmd.Flags().BoolVar(&applyFlags.preflight, "preflight", false, "Check every file before applying and stop on errors")
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply pending migrations",
	Long: `Apply every migration file that has not completed yet, in version order.

Each file runs in its own transaction. Statements that fail because the object
already exists are skipped. Any other failure rolls the file back, records it
as FAILED in the ledger and stops the run.

Exit codes: 0 success, 1 a migration failed, 2 the ledger could not be
written and must be checked by hand.`,
	Example: `  # Apply the local environment
  sqlstep apply

  # Apply a directory to an explicit database
  sqlstep apply --dir db/migrations --database-url postgres://localhost/app

  # Check syntax first, then apply
  sqlstep apply --preflight`,
	Args: cobra.NoArgs,
	RunE: runApply,
}

// applyReport is the JSON shape of a run.
type applyReport struct {
	*engine.Report
	DurationMs  int64  `json:"duration_ms"`
	LedgerError string `json:"ledger_error,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drv, db, err := openTarget(ctx, p)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if applyFlags.preflight {
		dialect, err := dialectFor(p, drv)
		if err != nil {
			return err
		}
		result, err := sqlcheck.Check(p.env.MigrationsDir, sqlcheck.Options{
			Dialect:  dialect,
			Postgres: drv.Name() == string(database.DatabaseTypePostgres),
		})
		if err != nil {
			return err
		}
		for _, issue := range result.Issues {
			fmt.Fprintln(cmd.ErrOrStderr(), issue.String())
		}
		if !result.Valid {
			return fmt.Errorf("preflight found %d error(s), nothing applied", result.Errors())
		}
	}

	var rec *metrics.Recorder
	if applyFlags.metricsTextfile != "" {
		rec = metrics.New()
	}
	eng, err := newEngine(p, drv, rec)
	if err != nil {
		return err
	}

	slog.Info("applying migrations",
		"environment", p.env.Name,
		"dir", p.env.MigrationsDir,
		"driver", drv.Name())

	report, runErr := eng.Run(ctx, p.env.MigrationsDir, db)
	if report == nil {
		var lw *engine.LedgerWriteError
		if errors.As(runErr, &lw) {
			return withExitCode(2, runErr)
		}
		return runErr
	}

	if applyFlags.json {
		out := applyReport{Report: report, DurationMs: report.Duration.Milliseconds()}
		if report.LedgerErr != nil {
			out.LedgerError = report.LedgerErr.Error()
		}
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else if err := report.WriteText(cmd.OutOrStdout()); err != nil {
		return err
	}

	if err := rec.WriteTextfile(applyFlags.metricsTextfile); err != nil {
		slog.Warn("metrics not written", "error", err)
	}

	switch {
	case report.LedgerErr != nil:
		return withExitCode(2, report.LedgerErr)
	case report.Halted:
		failed := report.Failed()
		return withExitCode(1, fmt.Errorf("migration %s failed: %w", failed.Filename, failed.Err))
	case report.Cancelled:
		return fmt.Errorf("interrupted after %d migration(s) in %s", report.Executed(), report.Duration.Round(time.Millisecond))
	}
	return nil
}

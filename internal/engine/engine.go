// Package engine applies the migration files of a directory in version order,
// one transaction per file, and records each outcome in the ledger.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lockplane/sqlstep/internal/catalog"
	"github.com/lockplane/sqlstep/internal/ledger"
	"github.com/lockplane/sqlstep/internal/metrics"
	"github.com/lockplane/sqlstep/internal/splitter"
)

// Conn is the database handle a run executes on. *sql.DB and *sql.Conn
// satisfy it.
type Conn interface {
	ledger.Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// ChecksumPolicy decides what happens when a DONE version's file changed.
type ChecksumPolicy string

const (
	// ChecksumStrict halts the run with a ChecksumMismatchError.
	ChecksumStrict ChecksumPolicy = "strict"
	// ChecksumIgnore skips the file as already applied.
	ChecksumIgnore ChecksumPolicy = "ignore"
)

// ParseChecksumPolicy accepts "strict", "ignore" or empty (strict).
func ParseChecksumPolicy(s string) (ChecksumPolicy, error) {
	switch ChecksumPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ChecksumStrict:
		return ChecksumStrict, nil
	case ChecksumIgnore:
		return ChecksumIgnore, nil
	default:
		return "", fmt.Errorf("unknown checksum policy %q (expected strict or ignore)", s)
	}
}

const savepointName = "sqlstep_stmt"

// Options configure an Engine. Zero values select the generic dialect,
// strict checksums, IsBenign and slog.Default.
type Options struct {
	Dialect        splitter.Dialect
	Savepoints     bool
	ChecksumPolicy ChecksumPolicy
	Classifier     Classifier
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Engine runs migrations. It holds no connection; each Run receives one.
type Engine struct {
	ledger     *ledger.Ledger
	dialect    splitter.Dialect
	savepoints bool
	policy     ChecksumPolicy
	classify   Classifier
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// New creates an Engine that records outcomes in l.
func New(l *ledger.Ledger, opts Options) *Engine {
	e := &Engine{
		ledger:     l,
		dialect:    opts.Dialect,
		savepoints: opts.Savepoints,
		policy:     opts.ChecksumPolicy,
		classify:   opts.Classifier,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if e.dialect == nil {
		e.dialect = splitter.GenericDialect{}
	}
	if e.policy == "" {
		e.policy = ChecksumStrict
	}
	if e.classify == nil {
		e.classify = IsBenign
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Run applies every file of dir that is not yet DONE.
//
// The returned error is reserved for problems that prevent a meaningful run
// (missing directory, invalid catalog) and for ledger write failures.
// Statement failures are reported per file in the Report.
func (e *Engine) Run(ctx context.Context, dir string, db Conn) (*Report, error) {
	files, err := catalog.Scan(dir)
	if err != nil {
		return nil, err
	}
	return e.RunFiles(ctx, files, db)
}

// RunFiles applies files, which must already be in catalog order.
//
// Cancelling ctx stops the run before the next file starts. A file that has
// started runs to commit or rollback and its ledger row is always written.
func (e *Engine) RunFiles(ctx context.Context, files []catalog.MigrationFile, db Conn) (*Report, error) {
	if err := catalog.Validate(files); err != nil {
		return nil, err
	}
	// Ledger reads ignore cancellation; ctx is only checked between files.
	lctx := context.WithoutCancel(ctx)
	if err := e.ledger.Ensure(lctx, db); err != nil {
		return nil, &LedgerWriteError{Op: "setup", Err: err}
	}

	start := time.Now()
	report := &Report{StartedAt: start}
	defer func() { report.Duration = time.Since(start) }()

	for _, f := range files {
		if ctx.Err() != nil {
			report.Cancelled = true
			e.logger.Info("run cancelled before next migration", "version", f.Version, "file", f.Filename)
			break
		}

		content, checksum, err := catalog.Read(f)
		if err != nil {
			report.Files = append(report.Files, FileOutcome{
				Version:  f.Version,
				Filename: f.Filename,
				Err:      &FatalStatementError{Version: f.Version, Filename: f.Filename, Err: err},
			})
			report.Halted = true
			break
		}

		entry, err := e.ledger.Get(lctx, db, f.Version)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			lw := &LedgerWriteError{Op: "read", Version: f.Version, Err: err}
			report.Files = append(report.Files, FileOutcome{Version: f.Version, Filename: f.Filename, Err: lw})
			report.LedgerErr = lw
			report.Halted = true
			break
		}

		if entry != nil && entry.Status == ledger.StatusDone {
			if entry.Checksum != "" && entry.Checksum != checksum && e.policy == ChecksumStrict {
				mismatch := &ChecksumMismatchError{
					Version:  f.Version,
					Filename: f.Filename,
					Recorded: entry.Checksum,
					Current:  checksum,
				}
				e.logger.Error("applied migration has changed", "version", f.Version, "file", f.Filename, "error", mismatch)
				report.Files = append(report.Files, FileOutcome{Version: f.Version, Filename: f.Filename, Err: mismatch})
				report.Halted = true
				break
			}
			e.logger.Debug("skipping applied migration", "version", f.Version, "file", f.Filename)
			report.Skipped = append(report.Skipped, SkippedFile{Version: f.Version, Filename: f.Filename})
			e.metrics.Migration("skipped", 0)
			continue
		}

		outcome, lw := e.apply(ctx, db, f, content, checksum)
		report.Files = append(report.Files, outcome)
		if lw != nil {
			report.LedgerErr = lw
		}
		if !outcome.Success {
			report.Halted = true
			break
		}
	}

	if report.LedgerErr != nil {
		return report, report.LedgerErr
	}
	return report, nil
}

// apply runs one file in its own transaction. Ledger rows are written on db
// outside that transaction, so a rollback never removes them.
func (e *Engine) apply(ctx context.Context, db Conn, f catalog.MigrationFile, content, checksum string) (FileOutcome, *LedgerWriteError) {
	// Statements already started are not interrupted by cancellation.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	out := FileOutcome{Version: f.Version, Filename: f.Filename}
	log := e.logger.With("version", f.Version, "file", f.Filename)

	entry, err := e.ledger.BeginAttempt(ctx, db, f.Version, f.Filename, checksum)
	if err != nil {
		lw := &LedgerWriteError{Op: "begin", Version: f.Version, Err: err}
		out.Err = lw
		log.Error("failed to record migration start", "error", err, "severity", "ledger")
		return out, lw
	}
	out.ExternalID = entry.ExternalID

	split := splitter.Split(content, e.dialect)
	if split.Fallback != nil {
		log.Warn("could not split migration with confidence", "error", split.Fallback)
		out.Warnings = append(out.Warnings, split.Fallback.Error())
	}
	out.StatementsTotal = len(split.Statements)
	log.Info("applying migration", "statements", out.StatementsTotal, "external_id", out.ExternalID)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return e.fail(ctx, db, out, start, &FatalStatementError{
			Version: f.Version, Filename: f.Filename, Err: fmt.Errorf("begin transaction: %w", err),
		}, "")
	}
	closed := false
	defer func() {
		if !closed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Warn("rollback failed", "error", err)
			}
		}
	}()

	for i, stmt := range split.Statements {
		rows, err := e.exec(ctx, tx, stmt.Text)
		if err == nil {
			out.StatementsExecuted++
			out.RowsAffected += rows
			e.metrics.Statement("ok")
			continue
		}

		if e.classify(err) {
			if rbErr := e.rollbackStatement(ctx, tx); rbErr != nil {
				err = errors.Join(err, rbErr)
			} else {
				benign := &BenignStatementError{
					Version: f.Version, Filename: f.Filename, Index: i + 1, Statement: stmt.Text, Err: err,
				}
				log.Warn("ignoring statement error", "statement", i+1, "error", err)
				out.StatementsSkipped++
				out.Warnings = append(out.Warnings, benign.Error())
				e.metrics.Statement("benign")
				continue
			}
		}

		e.metrics.Statement("fatal")
		fatal := &FatalStatementError{
			Version: f.Version, Filename: f.Filename, Index: i + 1, Statement: stmt.Text, Err: err,
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warn("rollback failed", "error", rbErr)
		}
		closed = true
		return e.fail(ctx, db, out, start, fatal, stmt.Text)
	}

	if err := tx.Commit(); err != nil {
		closed = true
		return e.fail(ctx, db, out, start, &FatalStatementError{
			Version: f.Version, Filename: f.Filename, Err: fmt.Errorf("commit: %w", err),
		}, "")
	}
	closed = true

	out.Duration = time.Since(start)
	if err := e.ledger.Complete(ctx, db, f.Version, out.Duration.Milliseconds()); err != nil {
		lw := &LedgerWriteError{Op: "complete", Version: f.Version, Err: err}
		out.Err = lw
		log.Error("migration committed but ledger update failed", "error", err, "severity", "ledger")
		e.metrics.Migration("failed", out.Duration)
		return out, lw
	}

	out.Success = true
	log.Info("migration applied",
		"executed", out.StatementsExecuted,
		"skipped", out.StatementsSkipped,
		"duration_ms", out.Duration.Milliseconds())
	e.metrics.Migration("done", out.Duration)
	return out, nil
}

// fail records cause in the ledger and returns the failed outcome.
func (e *Engine) fail(ctx context.Context, db Conn, out FileOutcome, start time.Time, cause *FatalStatementError, stmt string) (FileOutcome, *LedgerWriteError) {
	out.Duration = time.Since(start)
	out.Err = cause
	out.FailedStatement = stmt
	e.metrics.Migration("failed", out.Duration)
	e.logger.Error("migration failed", "version", out.Version, "file", out.Filename, "error", cause)

	if err := e.ledger.Fail(ctx, db, out.Version, cause.Error()); err != nil {
		lw := &LedgerWriteError{Op: "fail", Version: out.Version, Err: err}
		e.logger.Error("failed to record migration failure", "version", out.Version, "error", err, "severity", "ledger")
		return out, lw
	}
	return out, nil
}

// exec runs one statement, under a savepoint when supported so a benign
// failure can be undone without aborting the transaction.
func (e *Engine) exec(ctx context.Context, tx *sql.Tx, query string) (int64, error) {
	if e.savepoints {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepointName); err != nil {
			return 0, fmt.Errorf("create savepoint: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	if e.savepoints {
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
			return 0, fmt.Errorf("release savepoint: %w", err)
		}
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return rows, nil
}

func (e *Engine) rollbackStatement(ctx context.Context, tx *sql.Tx) error {
	if !e.savepoints {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); err != nil {
		return fmt.Errorf("rollback to savepoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// Pending returns the files of dir whose version is not DONE.
func (e *Engine) Pending(ctx context.Context, dir string, db ledger.Querier) ([]catalog.MigrationFile, error) {
	files, err := catalog.Scan(dir)
	if err != nil {
		return nil, err
	}
	if err := catalog.Validate(files); err != nil {
		return nil, err
	}
	var pending []catalog.MigrationFile
	for _, f := range files {
		applied, err := e.ledger.IsApplied(ctx, db, f.Version)
		if err != nil {
			return nil, err
		}
		if !applied {
			pending = append(pending, f)
		}
	}
	return pending, nil
}

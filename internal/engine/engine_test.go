package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lockplane/sqlstep/internal/catalog"
	"github.com/lockplane/sqlstep/internal/ledger"
	"github.com/lockplane/sqlstep/internal/metrics"
	"github.com/lockplane/sqlstep/internal/splitter"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.New(ledger.SQLite, ledger.WithLogger(quietLogger()))
	require.NoError(t, err)
	if opts.Dialect == nil {
		opts.Dialect = splitter.BlockAwareDialect{}
	}
	opts.Logger = quietLogger()
	return New(l, opts), l
}

func writeMigrations(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func status(t *testing.T, l *ledger.Ledger, db *sql.DB, version string) ledger.Status {
	t.Helper()
	e, err := l.Get(context.Background(), db, version)
	require.NoError(t, err)
	return e.Status
}

func countRows(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001-create.sql": "CREATE TABLE users(id INTEGER PRIMARY KEY, name TEXT);",
		"002-seed.sql":   "INSERT INTO users(name) VALUES ('ada');\nINSERT INTO users(name) VALUES ('grace');",
	})
	eng, l := newTestEngine(t, Options{Savepoints: true})

	report, err := eng.Run(ctx, dir, db)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Executed())
	assert.Equal(t, 2, report.Succeeded())
	assert.False(t, report.Halted)
	assert.Equal(t, 2, report.Files[1].StatementsExecuted)
	assert.Equal(t, int64(2), report.Files[1].RowsAffected)
	assert.Equal(t, ledger.StatusDone, status(t, l, db, "001"))
	assert.Equal(t, ledger.StatusDone, status(t, l, db, "002"))

	again, err := eng.Run(ctx, dir, db)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Executed())
	assert.Len(t, again.Skipped, 2)
	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(*) FROM users"))
}

func TestRunAppliesInVersionOrder(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"010-d.sql": "INSERT INTO log(v) VALUES ('010');",
		"9-c.sql":   "INSERT INTO log(v) VALUES ('9');",
		"002-b.sql": "INSERT INTO log(v) VALUES ('002');",
		"001-a.sql": "CREATE TABLE log(v TEXT);\nINSERT INTO log(v) VALUES ('001');",
	})
	eng, _ := newTestEngine(t, Options{})

	_, err := eng.Run(context.Background(), dir, db)
	require.NoError(t, err)

	rows, err := db.Query("SELECT v FROM log ORDER BY rowid")
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	var got []string
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		got = append(got, v)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"001", "002", "9", "010"}, got)
}

func TestRunHaltsOnFailure(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001-a.sql": "CREATE TABLE a(id INT);",
		"002-b.sql": "INSERT INTO a VALUES (1);\nINSERT INTO missing VALUES (1);",
		"003-c.sql": "CREATE TABLE c(id INT);",
	})
	eng, l := newTestEngine(t, Options{Savepoints: true})

	report, err := eng.Run(ctx, dir, db)
	require.NoError(t, err, "statement failures are reported, not returned")
	require.Len(t, report.Files, 2)
	assert.True(t, report.Halted)

	failed := report.Failed()
	require.NotNil(t, failed)
	assert.Equal(t, "002", failed.Version)
	assert.Equal(t, "INSERT INTO missing VALUES (1)", failed.FailedStatement)

	var fatal *FatalStatementError
	require.ErrorAs(t, report.Err(), &fatal)
	assert.Equal(t, 2, fatal.Index)

	assert.Equal(t, ledger.StatusDone, status(t, l, db, "001"))
	entry, err := l.Get(ctx, db, "002")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, entry.Status)
	require.NotNil(t, entry.ErrorMessage)
	assert.Contains(t, *entry.ErrorMessage, "statement 2 failed")

	_, err = l.Get(ctx, db, "003")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM a"), "failed file is rolled back")
	assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'c'"))
}

func TestRunRetriesFailedFile(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001-a.sql": "CREATE TABLE a(id INT);",
		"002-b.sql": "INSERT INTO nope VALUES (1);",
		"003-c.sql": "INSERT INTO a VALUES (3);",
	})
	eng, l := newTestEngine(t, Options{})

	_, err := eng.Run(ctx, dir, db)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, status(t, l, db, "002"))

	writeMigrations(t, dir, map[string]string{"002-b.sql": "INSERT INTO a VALUES (2);"})

	report, err := eng.Run(ctx, dir, db)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded())
	assert.Len(t, report.Skipped, 1)
	assert.Equal(t, ledger.StatusDone, status(t, l, db, "002"))
	assert.Equal(t, ledger.StatusDone, status(t, l, db, "003"))
	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(*) FROM a"))
}

func TestRunToleratesExistingObjects(t *testing.T) {
	for _, savepoints := range []bool{true, false} {
		t.Run(map[bool]string{true: "savepoints", false: "no savepoints"}[savepoints], func(t *testing.T) {
			db := newTestDB(t)
			dir := t.TempDir()
			writeMigrations(t, dir, map[string]string{
				"001-a.sql": "CREATE TABLE t(id INT);",
				"002-b.sql": "CREATE TABLE t(id INT);\nINSERT INTO t VALUES (1);\nINSERT INTO t VALUES (2);",
			})
			eng, l := newTestEngine(t, Options{Savepoints: savepoints})

			report, err := eng.Run(context.Background(), dir, db)
			require.NoError(t, err)
			require.Len(t, report.Files, 2)

			second := report.Files[1]
			assert.True(t, second.Success)
			assert.Equal(t, 3, second.StatementsTotal)
			assert.Equal(t, 2, second.StatementsExecuted)
			assert.Equal(t, 1, second.StatementsSkipped)
			require.Len(t, second.Warnings, 1)
			assert.Contains(t, second.Warnings[0], "statement 1 ignored")
			assert.Equal(t, ledger.StatusDone, status(t, l, db, "002"))
			assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(*) FROM t"))
		})
	}
}

func TestRunKeepsTriggerBodyTogether(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001-schema.sql": `CREATE TABLE items(id INTEGER PRIMARY KEY);
CREATE TABLE audit(item_id INTEGER);
CREATE TRIGGER items_audit AFTER INSERT ON items
BEGIN
  INSERT INTO audit(item_id) VALUES (NEW.id);
END;
`,
		"002-data.sql": "INSERT INTO items(id) VALUES (7);",
	})
	eng, _ := newTestEngine(t, Options{Savepoints: true})

	report, err := eng.Run(context.Background(), dir, db)
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded(), "%v", report.Err())
	assert.Equal(t, 3, report.Files[0].StatementsTotal)
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM audit WHERE item_id = 7"))
}

func TestRunChecksumPolicy(t *testing.T) {
	setup := func(t *testing.T, policy ChecksumPolicy) (*Engine, *sql.DB, string) {
		db := newTestDB(t)
		dir := t.TempDir()
		writeMigrations(t, dir, map[string]string{
			"001-a.sql": "CREATE TABLE a(id INT);",
			"002-b.sql": "CREATE TABLE b(id INT);",
		})
		eng, _ := newTestEngine(t, Options{ChecksumPolicy: policy})
		_, err := eng.Run(context.Background(), dir, db)
		require.NoError(t, err)

		writeMigrations(t, dir, map[string]string{
			"001-a.sql": "CREATE TABLE a(id INT, name TEXT);",
			"003-c.sql": "CREATE TABLE c(id INT);",
		})
		return eng, db, dir
	}

	t.Run("strict", func(t *testing.T) {
		eng, db, dir := setup(t, ChecksumStrict)
		report, err := eng.Run(context.Background(), dir, db)
		require.NoError(t, err)
		assert.True(t, report.Halted)

		var mismatch *ChecksumMismatchError
		require.ErrorAs(t, report.Err(), &mismatch)
		assert.Equal(t, "001", mismatch.Version)
		assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'c'"))
	})

	t.Run("ignore", func(t *testing.T) {
		eng, db, dir := setup(t, ChecksumIgnore)
		report, err := eng.Run(context.Background(), dir, db)
		require.NoError(t, err)
		assert.False(t, report.Halted)
		assert.Len(t, report.Skipped, 2)
		assert.Equal(t, 1, report.Succeeded())
	})
}

func TestParseChecksumPolicy(t *testing.T) {
	p, err := ParseChecksumPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ChecksumStrict, p)

	p, err = ParseChecksumPolicy(" IGNORE ")
	require.NoError(t, err)
	assert.Equal(t, ChecksumIgnore, p)

	_, err = ParseChecksumPolicy("warn")
	assert.Error(t, err)
}

func TestRunRejectsInvalidCatalog(t *testing.T) {
	db := newTestDB(t)
	eng, _ := newTestEngine(t, Options{})

	_, err := eng.Run(context.Background(), filepath.Join(t.TempDir(), "absent"), db)
	var notFound *catalog.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001-a.sql":   "SELECT 1;",
		"cleanup.sql": "SELECT 2;",
	})
	_, err = eng.Run(context.Background(), dir, db)
	var unversioned *catalog.UnversionedFileError
	assert.ErrorAs(t, err, &unversioned)
	assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'migration_history'"))
}

func TestRunCancelledBeforeStart(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{"001-a.sql": "CREATE TABLE a(id INT);"})
	eng, _ := newTestEngine(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := eng.Run(ctx, dir, db)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 0, report.Executed())
}

// cancelConn cancels the run as soon as the first file opens its
// transaction.
type cancelConn struct {
	*sql.DB
	cancel context.CancelFunc
}

func (c *cancelConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	c.cancel()
	return c.DB.BeginTx(ctx, opts)
}

func TestRunFinishesCurrentFileOnCancel(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001-a.sql": "CREATE TABLE a(id INT);\nINSERT INTO a VALUES (1);",
		"002-b.sql": "CREATE TABLE b(id INT);",
	})
	eng, l := newTestEngine(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report, err := eng.Run(ctx, dir, &cancelConn{DB: db, cancel: cancel})
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	require.Equal(t, 1, report.Executed())
	assert.True(t, report.Files[0].Success)
	assert.Equal(t, ledger.StatusDone, status(t, l, db, "001"))
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM a"))

	_, err = l.Get(context.Background(), db, "002")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// failingConn fails every statement containing match.
type failingConn struct {
	*sql.DB
	match   string
	beginTx bool
}

func (c *failingConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.match != "" && strings.Contains(query, c.match) {
		return nil, errors.New("disk I/O error")
	}
	return c.DB.ExecContext(ctx, query, args...)
}

func (c *failingConn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c.beginTx {
		return nil, errors.New("too many connections")
	}
	return c.DB.BeginTx(ctx, opts)
}

func TestRunReportsLedgerWriteFailure(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001-a.sql": "CREATE TABLE a(id INT);",
		"002-b.sql": "CREATE TABLE b(id INT);",
	})
	eng, l := newTestEngine(t, Options{})

	conn := &failingConn{DB: db, match: "duration_ms = ?"}
	report, err := eng.Run(context.Background(), dir, conn)

	var lw *LedgerWriteError
	require.ErrorAs(t, err, &lw)
	assert.Equal(t, "complete", lw.Op)
	assert.Equal(t, "001", lw.Version)

	require.NotNil(t, report)
	assert.Same(t, lw, report.LedgerErr)
	assert.True(t, report.Halted)
	require.Len(t, report.Files, 1)
	assert.False(t, report.Files[0].Success)

	// The file committed; only the ledger is behind.
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'a'"))
	assert.Equal(t, ledger.StatusRunning, status(t, l, db, "001"))

	var buf bytes.Buffer
	require.NoError(t, report.WriteText(&buf))
	assert.Contains(t, buf.String(), "Ledger write failed, check 001 manually")
}

func TestRunRecordsBeginTxFailure(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{"001-a.sql": "CREATE TABLE a(id INT);"})
	eng, l := newTestEngine(t, Options{})

	report, err := eng.Run(context.Background(), dir, &failingConn{DB: db, beginTx: true})
	require.NoError(t, err)
	assert.True(t, report.Halted)
	assert.ErrorContains(t, report.Err(), "begin transaction")

	entry, err := l.Get(context.Background(), db, "001")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, entry.Status)
}

func TestRunRecordsMetrics(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001-a.sql": "CREATE TABLE a(id INT);\nCREATE TABLE a(id INT);",
		"002-b.sql": "INSERT INTO nope VALUES (1);",
	})
	rec := metrics.New()
	eng, _ := newTestEngine(t, Options{Savepoints: true, Metrics: rec})

	_, err := eng.Run(context.Background(), dir, db)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Migrations.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Migrations.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Statements.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Statements.WithLabelValues("benign")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Statements.WithLabelValues("fatal")))
}

func TestPendingAndStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001-a.sql": "CREATE TABLE a(id INT);",
		"002-b.sql": "CREATE TABLE b(id INT);",
	})
	eng, _ := newTestEngine(t, Options{})

	pending, err := eng.Pending(ctx, dir, db)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = eng.Run(ctx, dir, db)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "002-b.sql")))
	writeMigrations(t, dir, map[string]string{
		"001-a.sql": "CREATE TABLE a(id INT, extra INT);",
		"003-c.sql": "CREATE TABLE c(id INT);",
	})

	pending, err = eng.Pending(ctx, dir, db)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "003", pending[0].Version)

	rows, err := eng.Status(ctx, dir, db)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "001", rows[0].Version)
	assert.Equal(t, "DONE", rows[0].Status)
	assert.True(t, rows[0].Changed)

	assert.Equal(t, "002", rows[1].Version)
	assert.True(t, rows[1].Missing)

	assert.Equal(t, "003", rows[2].Version)
	assert.Equal(t, NotRun, rows[2].Status)
	assert.Nil(t, rows[2].Entry)
}

func TestReportOutput(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()
	writeMigrations(t, dir, map[string]string{
		"001-a.sql": "CREATE TABLE a(id INT);",
		"002-b.sql": "INSERT INTO missing VALUES (1);",
	})
	eng, _ := newTestEngine(t, Options{})

	report, err := eng.Run(context.Background(), dir, db)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "✓ 001  001-a.sql  1/1 statements")
	assert.Contains(t, out, "✗ 002  002-b.sql  0/1 statements")
	assert.Contains(t, out, "> INSERT INTO missing VALUES (1)")
	assert.Contains(t, out, "Stopped after 1 of 2 attempted files succeeded")

	data, err := json.Marshal(report)
	require.NoError(t, err)
	var decoded struct {
		Files  []map[string]any `json:"files"`
		Halted bool             `json:"halted"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Halted)
	require.Len(t, decoded.Files, 2)
	assert.Contains(t, decoded.Files[1]["error"], "no such table")
	assert.Contains(t, decoded.Files[0], "duration_ms")
	assert.NotContains(t, decoded.Files[0], "error")
}

// Package ledger records which migration versions have been applied to a
// database, in a table stored in that same database.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/lockplane/sqlstep/internal/catalog"
	"github.com/lockplane/sqlstep/internal/label"
)

// DefaultTable is the ledger table name used when none is configured.
const DefaultTable = "migration_history"

// Status is the state of one ledger row.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

var (
	// ErrNotFound is returned by Get for versions without a row.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the row's current status.
	ErrInvalidTransition = errors.New("invalid ledger status transition")
)

// Entry is one ledger row.
type Entry struct {
	Version      string    `json:"version"`
	Filename     string    `json:"filename"`
	ExternalID   string    `json:"external_id,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
	Status       Status    `json:"status"`
	ExecutedAt   time.Time `json:"executed_at"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage *string   `json:"error_message,omitempty"`
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ledger reads and writes the migration history table. The database handle
// is passed to every call; a Ledger holds no connection of its own.
type Ledger struct {
	table  string
	flavor Flavor
	labels label.Generator
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	ensured map[Querier]bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTable overrides DefaultTable.
func WithTable(name string) Option {
	return func(l *Ledger) { l.table = name }
}

// WithLabeler sets the generator for external ids.
func WithLabeler(g label.Generator) Option {
	return func(l *Ledger) { l.labels = g }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// New creates a Ledger for the given flavor.
func New(flavor Flavor, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		table:   DefaultTable,
		flavor:  flavor,
		labels:  label.None(),
		logger:  slog.Default(),
		now:     time.Now,
		ensured: make(map[Querier]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	if !identifierRe.MatchString(l.table) {
		return nil, fmt.Errorf("invalid ledger table name %q", l.table)
	}
	if l.labels == nil {
		l.labels = label.None()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// Table returns the ledger table name.
func (l *Ledger) Table() string { return l.table }

// Flavor returns the SQL flavor of the ledger.
func (l *Ledger) Flavor() Flavor { return l.flavor }

// Ensure creates the ledger table if it does not exist.
func (l *Ledger) Ensure(ctx context.Context, db Querier) error {
	cacheable := reflect.TypeOf(db).Comparable()

	l.mu.Lock()
	defer l.mu.Unlock()
	if cacheable && l.ensured[db] {
		return nil
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(l.flavor.createTable, l.table)); err != nil {
		return fmt.Errorf("failed to create ledger table %s: %w", l.table, err)
	}
	if cacheable {
		l.ensured[db] = true
	}
	return nil
}

// IsApplied reports whether version has a DONE row.
func (l *Ledger) IsApplied(ctx context.Context, db Querier, version string) (bool, error) {
	e, err := l.Get(ctx, db, version)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Status == StatusDone, nil
}

const selectColumns = "version, filename, external_id, checksum, status, executed_at, duration_ms, error_message"

// Get returns the row for version or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, db Querier, version string) (*Entry, error) {
	if err := l.Ensure(ctx, db); err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, l.flavor.rebind(
		fmt.Sprintf("SELECT %s FROM %s WHERE version = ?", selectColumns, l.table)), version)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %s", ErrNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger entry %s: %w", version, err)
	}
	return e, nil
}

// List returns every row ordered by version.
func (l *Ledger) List(ctx context.Context, db Querier) ([]Entry, error) {
	if err := l.Ensure(ctx, db); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", selectColumns, l.table))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return catalog.CompareVersions(entries[i].Version, entries[j].Version) < 0
	})
	return entries, nil
}

// BeginAttempt moves version to RUNNING. A new version is inserted as
// PENDING first; a PENDING, FAILED or abandoned RUNNING row is reset with the
// new filename, checksum and label. A DONE row is never reopened.
func (l *Ledger) BeginAttempt(ctx context.Context, db Querier, version, filename, checksum string) (*Entry, error) {
	existing, err := l.Get(ctx, db, version)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	externalID := l.labels(version, filename)
	now := l.now()

	if existing == nil {
		_, err := db.ExecContext(ctx, l.flavor.rebind(fmt.Sprintf(
			"INSERT INTO %s (version, filename, external_id, checksum, status, executed_at) VALUES (?, ?, ?, ?, ?, ?)",
			l.table)), version, filename, nullString(externalID), checksum, string(StatusPending), l.flavor.bindTime(now))
		if err != nil {
			return nil, fmt.Errorf("failed to insert ledger entry %s: %w", version, err)
		}
		existing = &Entry{Version: version, Status: StatusPending}
	}

	switch existing.Status {
	case StatusDone:
		return nil, fmt.Errorf("%w: version %s is already %s", ErrInvalidTransition, version, StatusDone)
	case StatusRunning:
		l.logger.Warn("retrying migration left RUNNING by an earlier run", "version", version, "file", filename)
	case StatusFailed:
		l.logger.Info("retrying failed migration", "version", version, "file", filename)
	}

	res, err := db.ExecContext(ctx, l.flavor.rebind(fmt.Sprintf(
		`UPDATE %s SET status = ?, filename = ?, external_id = ?, checksum = ?, executed_at = ?, duration_ms = NULL, error_message = NULL
		WHERE version = ? AND status <> ?`, l.table)),
		string(StatusRunning), filename, nullString(externalID), checksum, l.flavor.bindTime(now),
		version, string(StatusDone))
	if err != nil {
		return nil, fmt.Errorf("failed to mark %s running: %w", version, err)
	}
	if err := expectOneRow(res, version, StatusRunning); err != nil {
		return nil, err
	}

	return &Entry{
		Version:    version,
		Filename:   filename,
		ExternalID: externalID,
		Checksum:   checksum,
		Status:     StatusRunning,
		ExecutedAt: now.UTC(),
	}, nil
}

// Complete moves a RUNNING version to DONE.
func (l *Ledger) Complete(ctx context.Context, db Querier, version string, durationMs int64) error {
	res, err := db.ExecContext(ctx, l.flavor.rebind(fmt.Sprintf(
		"UPDATE %s SET status = ?, duration_ms = ?, error_message = NULL WHERE version = ? AND status = ?", l.table)),
		string(StatusDone), durationMs, version, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to mark %s done: %w", version, err)
	}
	return expectOneRow(res, version, StatusDone)
}

// Fail moves a RUNNING version to FAILED with the error text.
func (l *Ledger) Fail(ctx context.Context, db Querier, version, message string) error {
	res, err := db.ExecContext(ctx, l.flavor.rebind(fmt.Sprintf(
		"UPDATE %s SET status = ?, error_message = ? WHERE version = ? AND status = ?", l.table)),
		string(StatusFailed), message, version, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", version, err)
	}
	return expectOneRow(res, version, StatusFailed)
}

func expectOneRow(res sql.Result, version string, target Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm ledger update for %s: %w", version, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: version %s cannot move to %s", ErrInvalidTransition, version, target)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		status     string
		externalID sql.NullString
		checksum   sql.NullString
		executedAt any
		duration   sql.NullInt64
		errMsg     sql.NullString
	)
	if err := row.Scan(&e.Version, &e.Filename, &externalID, &checksum, &status, &executedAt, &duration, &errMsg); err != nil {
		return nil, err
	}
	t, err := parseTime(executedAt)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.ExternalID = externalID.String
	e.Checksum = checksum.String
	e.ExecutedAt = t
	e.DurationMs = duration.Int64
	if errMsg.Valid {
		msg := errMsg.String
		e.ErrorMessage = &msg
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

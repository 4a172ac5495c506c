package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/lockplane/sqlstep/internal/database"
	"github.com/lockplane/sqlstep/internal/ledger"
	"github.com/lockplane/sqlstep/internal/splitter"
)

// Driver implements driver.Driver for SQLite files and in-memory databases
type Driver struct {
}

// NewDriver creates a new SQLite driver
func NewDriver() *Driver {
	return &Driver{}
}

// Name returns the database driver name
func (d *Driver) Name() string {
	return "sqlite"
}

// OpenConnection creates the database file if needed, then opens it with a
// single connection so in-memory databases and ledger writes see one
// consistent database.
func (d *Driver) OpenConnection(ctx context.Context, cfg database.ConnectionConfig) (*sql.DB, error) {
	dsn := DSN(cfg.URL)
	if IsSQLiteFilePath(cfg.URL) {
		exists, _, err := CheckSQLiteDatabase(cfg.URL)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := CreateSQLiteDatabase(cfg.URL); err != nil {
				return nil, err
			}
		}
	}

	db, err := database.OpenAndPing(ctx, "sqlite", dsn, cfg.Retry)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Dialect keeps trigger bodies together. SQLite does not treat backslash as
// an escape inside string literals.
func (d *Driver) Dialect() splitter.Dialect {
	return splitter.BlockAwareDialect{}
}

func (d *Driver) LedgerFlavor() ledger.Flavor {
	return ledger.SQLite
}

func (d *Driver) SupportsSavepoints() bool {
	return true
}

// DSN converts a connection string to the form the sqlite driver accepts.
func DSN(connStr string) string {
	if strings.HasPrefix(connStr, "sqlite://") {
		return strings.TrimPrefix(connStr, "sqlite://")
	}
	return connStr
}

// IsSQLiteFilePath checks if a string looks like a SQLite file path
func IsSQLiteFilePath(s string) bool {
	s = strings.ToLower(s)

	// Skip special cases
	if s == ":memory:" || strings.HasPrefix(s, "libsql://") {
		return false
	}

	if strings.HasPrefix(s, "sqlite://") || strings.HasPrefix(s, "file:") {
		return true
	}

	return strings.HasSuffix(s, ".db") ||
		strings.HasSuffix(s, ".sqlite") ||
		strings.HasSuffix(s, ".sqlite3")
}

// ExtractSQLiteFilePath extracts the actual file path from a SQLite connection string
func ExtractSQLiteFilePath(connStr string) string {
	for _, prefix := range []string{"sqlite://", "file:"} {
		if strings.HasPrefix(connStr, prefix) {
			path := strings.TrimPrefix(connStr, prefix)
			// Remove query parameters
			if idx := strings.Index(path, "?"); idx >= 0 {
				path = path[:idx]
			}
			return path
		}
	}

	// Otherwise, it's already a file path
	return connStr
}

// CheckSQLiteDatabase checks if a SQLite database file exists and is valid
// Returns (exists, isEmpty, error)
func CheckSQLiteDatabase(connStr string) (exists bool, isEmpty bool, err error) {
	filePath := ExtractSQLiteFilePath(connStr)

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to stat file: %w", err)
	}

	if info.IsDir() {
		return false, false, fmt.Errorf("path is a directory, not a file: %s", filePath)
	}

	if info.Size() == 0 {
		return true, true, nil
	}

	db, err := sql.Open("sqlite", DSN(connStr))
	if err != nil {
		return true, false, fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		return true, false, fmt.Errorf("file exists but is not a valid SQLite database: %w", err)
	}

	return true, false, nil
}

// CreateSQLiteDatabase creates an empty SQLite database file
func CreateSQLiteDatabase(connStr string) error {
	filePath := ExtractSQLiteFilePath(connStr)

	dir := filepath.Dir(filePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", DSN(connStr))
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer func() { _ = db.Close() }()

	// SQLite won't create the file until something is written
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS _sqlstep_init (id INTEGER PRIMARY KEY); DROP TABLE IF EXISTS _sqlstep_init;")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	return nil
}

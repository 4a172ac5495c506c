package driver

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lockplane/sqlstep/internal/database"
	"github.com/lockplane/sqlstep/internal/driver/libsql"
	"github.com/lockplane/sqlstep/internal/driver/mysql"
	"github.com/lockplane/sqlstep/internal/driver/postgres"
	"github.com/lockplane/sqlstep/internal/driver/sqlite"
	"github.com/lockplane/sqlstep/internal/ledger"
	"github.com/lockplane/sqlstep/internal/splitter"
)

// Driver connects to one kind of database and describes how migrations
// behave on it.
type Driver interface {
	// Name returns the database driver name
	Name() string

	// OpenConnection opens a handle and pings it
	OpenConnection(ctx context.Context, cfg database.ConnectionConfig) (*sql.DB, error)

	// Dialect returns the statement splitter dialect for scripts
	Dialect() splitter.Dialect

	// LedgerFlavor returns the SQL flavor of the ledger table
	LedgerFlavor() ledger.Flavor

	// SupportsSavepoints reports whether a failed statement can be undone
	// without losing the enclosing transaction
	SupportsSavepoints() bool
}

// NewDriver creates a database driver for the given type.
func NewDriver(databaseType database.DatabaseType) (Driver, error) {
	switch databaseType {
	case database.DatabaseTypePostgres:
		return postgres.NewDriver(), nil
	case database.DatabaseTypeSQLite:
		return sqlite.NewDriver(), nil
	case database.DatabaseTypeLibSQL:
		return libsql.NewDriver(), nil
	case database.DatabaseTypeMySQL:
		return mysql.NewDriver(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", databaseType)
	}
}

// Open detects the database type when cfg does not set one, then opens a
// connection with the matching driver.
func Open(ctx context.Context, cfg database.ConnectionConfig) (Driver, *sql.DB, error) {
	if cfg.DatabaseType == "" {
		dbType, err := database.DetectDatabaseType(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		cfg.DatabaseType = dbType
	}
	drv, err := NewDriver(cfg.DatabaseType)
	if err != nil {
		return nil, nil, err
	}
	db, err := drv.OpenConnection(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return drv, db, nil
}

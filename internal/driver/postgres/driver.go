package postgres

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/lib/pq"

	"github.com/lockplane/sqlstep/internal/database"
	"github.com/lockplane/sqlstep/internal/ledger"
	"github.com/lockplane/sqlstep/internal/splitter"
)

// Driver implements driver.Driver for PostgreSQL
type Driver struct {
}

// NewDriver creates a new PostgreSQL driver
func NewDriver() *Driver {
	return &Driver{}
}

// Name returns the database driver name
func (d *Driver) Name() string {
	return "postgres"
}

// Open a connection to the database, and run a ping to test it
func (d *Driver) OpenConnection(ctx context.Context, cfg database.ConnectionConfig) (*sql.DB, error) {
	return database.OpenAndPing(ctx, "postgres", WithDefaultSSLMode(cfg.URL), cfg.Retry)
}

// Dialect splits scripts on every semicolon outside quotes. Function bodies
// are dollar quoted, so no block tracking is needed.
func (d *Driver) Dialect() splitter.Dialect {
	return splitter.GenericDialect{}
}

func (d *Driver) LedgerFlavor() ledger.Flavor {
	return ledger.Postgres
}

func (d *Driver) SupportsSavepoints() bool {
	return true
}

// WithDefaultSSLMode disables SSL unless the URL chooses a mode itself.
func WithDefaultSSLMode(url string) string {
	if strings.Contains(url, "sslmode=") {
		return url
	}
	if strings.Contains(url, "?") {
		return url + "&sslmode=disable"
	}
	return url + "?sslmode=disable"
}

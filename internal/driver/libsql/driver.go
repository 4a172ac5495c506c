package libsql

import (
	"context"
	"database/sql"
	"net/url"

	_ "github.com/tursodatabase/libsql-client-go/libsql"

	"github.com/lockplane/sqlstep/internal/database"
	"github.com/lockplane/sqlstep/internal/ledger"
	"github.com/lockplane/sqlstep/internal/splitter"
)

// Driver implements driver.Driver for libSQL / Turso databases
type Driver struct {
}

// NewDriver creates a new libSQL driver
func NewDriver() *Driver {
	return &Driver{}
}

// Name returns the database driver name
func (d *Driver) Name() string {
	return "libsql"
}

// Open a connection to the database, and run a ping to test it
func (d *Driver) OpenConnection(ctx context.Context, cfg database.ConnectionConfig) (*sql.DB, error) {
	return database.OpenAndPing(ctx, "libsql", WithAuthToken(cfg.URL, cfg.AuthToken), cfg.Retry)
}

func (d *Driver) Dialect() splitter.Dialect {
	return splitter.BlockAwareDialect{}
}

func (d *Driver) LedgerFlavor() ledger.Flavor {
	return ledger.SQLite
}

// SupportsSavepoints is false: remote statements run over HTTP streams and a
// failed statement is reported without rolling back the stream.
func (d *Driver) SupportsSavepoints() bool {
	return false
}

// WithAuthToken adds authToken to the URL query unless already present.
func WithAuthToken(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Get("authToken") != "" {
		return rawURL
	}
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String()
}

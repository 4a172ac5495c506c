package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/lockplane/sqlstep/internal/database"
	"github.com/lockplane/sqlstep/internal/ledger"
	"github.com/lockplane/sqlstep/internal/splitter"
)

// Driver implements driver.Driver for MySQL and MariaDB
type Driver struct {
}

// NewDriver creates a new MySQL driver
func NewDriver() *Driver {
	return &Driver{}
}

// Name returns the database driver name
func (d *Driver) Name() string {
	return "mysql"
}

// Open a connection to the database, and run a ping to test it
func (d *Driver) OpenConnection(ctx context.Context, cfg database.ConnectionConfig) (*sql.DB, error) {
	dsn, err := DSN(cfg.URL)
	if err != nil {
		return nil, err
	}
	return database.OpenAndPing(ctx, "mysql", dsn, cfg.Retry)
}

// Dialect keeps stored routine bodies together: MySQL scripts embed
// semicolons inside BEGIN...END without quoting them.
func (d *Driver) Dialect() splitter.Dialect {
	return splitter.BlockAwareDialect{Backslash: true}
}

func (d *Driver) LedgerFlavor() ledger.Flavor {
	return ledger.MySQL
}

// SupportsSavepoints is false because DDL commits implicitly in MySQL.
func (d *Driver) SupportsSavepoints() bool {
	return false
}

// DSN converts a mysql:// URL to a go-sql-driver DSN. Strings without the
// scheme are assumed to be DSNs already.
func DSN(connStr string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(connStr), "mysql://") {
		cfg, err := gomysql.ParseDSN(connStr)
		if err != nil {
			return "", fmt.Errorf("invalid MySQL DSN: %w", err)
		}
		applyDefaults(cfg)
		return cfg.FormatDSN(), nil
	}

	u, err := url.Parse(connStr)
	if err != nil {
		return "", fmt.Errorf("invalid MySQL URL: %w", err)
	}

	cfg := gomysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	if u.Port() == "" {
		cfg.Addr = u.Hostname() + ":3306"
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")

	q := u.Query()
	if len(q) > 0 {
		cfg.Params = make(map[string]string, len(q))
		for k := range q {
			cfg.Params[k] = q.Get(k)
		}
	}
	applyDefaults(cfg)
	return cfg.FormatDSN(), nil
}

// applyDefaults sets the options the ledger relies on: time.Time scanning
// and RowsAffected counting matched rows.
func applyDefaults(cfg *gomysql.Config) {
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	cfg.MultiStatements = false
}

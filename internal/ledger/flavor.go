package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Flavor adapts ledger SQL to one database engine.
type Flavor struct {
	name        string
	numbered    bool // $1, $2 placeholders instead of ?
	timeAsText  bool
	createTable string
}

// Name returns the flavor identifier.
func (f Flavor) Name() string { return f.name }

var (
	Postgres = Flavor{
		name:     "postgres",
		numbered: true,
		createTable: `CREATE TABLE IF NOT EXISTS %s (
	version       TEXT PRIMARY KEY,
	filename      TEXT NOT NULL,
	external_id   TEXT,
	checksum      TEXT,
	status        TEXT NOT NULL CHECK (status IN ('PENDING', 'RUNNING', 'DONE', 'FAILED')),
	executed_at   TIMESTAMPTZ,
	duration_ms   BIGINT,
	error_message TEXT
)`,
	}

	SQLite = Flavor{
		name:       "sqlite",
		timeAsText: true,
		createTable: `CREATE TABLE IF NOT EXISTS %s (
	version       TEXT PRIMARY KEY,
	filename      TEXT NOT NULL,
	external_id   TEXT,
	checksum      TEXT,
	status        TEXT NOT NULL CHECK (status IN ('PENDING', 'RUNNING', 'DONE', 'FAILED')),
	executed_at   TEXT,
	duration_ms   INTEGER,
	error_message TEXT
)`,
	}

	MySQL = Flavor{
		name: "mysql",
		createTable: `CREATE TABLE IF NOT EXISTS %s (
	version       VARCHAR(64) NOT NULL PRIMARY KEY,
	filename      VARCHAR(255) NOT NULL,
	external_id   VARCHAR(128),
	checksum      CHAR(64),
	status        VARCHAR(16) NOT NULL CHECK (status IN ('PENDING', 'RUNNING', 'DONE', 'FAILED')),
	executed_at   DATETIME(6),
	duration_ms   BIGINT,
	error_message TEXT
)`,
	}
)

// FlavorFor resolves a flavor by name.
func FlavorFor(name string) (Flavor, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3", "libsql":
		return SQLite, nil
	case "mysql", "mariadb":
		return MySQL, nil
	default:
		return Flavor{}, fmt.Errorf("no ledger flavor for %q", name)
	}
}

// rebind rewrites ? placeholders for flavors that number them. Ledger
// queries never contain a literal question mark.
func (f Flavor) rebind(query string) string {
	if !f.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (f Flavor) bindTime(t time.Time) any {
	t = t.UTC()
	if f.timeAsText {
		return t.Format(time.RFC3339Nano)
	}
	return t
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// parseTime accepts the values drivers return for a timestamp column.
func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case []byte:
		return parseTime(string(t))
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

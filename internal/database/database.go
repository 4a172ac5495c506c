// Package database holds connection settings shared by the drivers and the
// ping-with-retry used when opening a handle.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DatabaseType identifies the engine behind a connection URL.
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
	DatabaseTypeLibSQL   DatabaseType = "libsql"
	DatabaseTypeMySQL    DatabaseType = "mysql"
)

// ConnectionConfig describes how to reach a database.
type ConnectionConfig struct {
	DatabaseType DatabaseType
	URL          string
	AuthToken    string // libsql only
	Retry        RetryConfig
}

// RetryConfig controls how opening a connection retries the initial ping.
type RetryConfig struct {
	MaxRetries      int
	PingTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry settings used when none are given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      4,
		PingTimeout:     5 * time.Second,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     3 * time.Second,
	}
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	def := DefaultRetryConfig()
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return cfg
}

// DetectDatabaseType infers the engine from a connection string.
func DetectDatabaseType(url string) (DatabaseType, error) {
	lower := strings.ToLower(strings.TrimSpace(url))
	switch {
	case lower == "":
		return "", errors.New("empty database URL")
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DatabaseTypePostgres, nil
	case strings.HasPrefix(lower, "libsql://"),
		(strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")) && strings.Contains(lower, ".turso.io"):
		return DatabaseTypeLibSQL, nil
	case strings.HasPrefix(lower, "mysql://"):
		return DatabaseTypeMySQL, nil
	case lower == ":memory:", strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("cannot determine database type from %q", Redact(url))
	}
}

// OpenAndPing opens a handle with the given database/sql driver and pings it,
// retrying with exponential backoff. The handle is closed if every attempt
// fails.
func OpenAndPing(ctx context.Context, driverName, dsn string, retry RetryConfig) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	if err := pingWithRetry(ctx, db, normalizeRetryConfig(retry)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, cfg RetryConfig) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = 0

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
		err := db.PingContext(pingCtx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	return backoff.Retry(ping, backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx))
}

// Redact hides the password of a URL-shaped connection string.
func Redact(url string) string {
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	userinfo := url[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return url[:scheme+3] + userinfo[:colon] + ":***" + url[at:]
	}
	return url
}

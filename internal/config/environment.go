package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/lockplane/sqlstep/internal/strutil"
)

const (
	defaultEnvironmentName = "local"
	defaultMigrationsDir   = "migrations"
)

// ResolvedEnvironment represents a fully-resolved environment with concrete values.
type ResolvedEnvironment struct {
	Name          string
	DatabaseURL   string
	AuthToken     string
	MigrationsDir string
	Dialect       string
	LedgerTable   string
	DotenvPath    string
	FromConfig    bool
	FromDotenv    bool
}

// dotenvURLKeys are read in order; the first non-empty value wins.
var dotenvURLKeys = []string{"DATABASE_URL", "POSTGRES_URL", "MYSQL_URL", "SQLITE_DB_PATH", "LIBSQL_URL"}

// ResolveEnvironment resolves a named environment into concrete settings.
// Values come from the top level of config, then the environment table, then
// the .env.<name> file next to sqlstep.toml.
func ResolveEnvironment(config *Config, name string) (*ResolvedEnvironment, error) {
	envName := strings.TrimSpace(name)
	if envName == "" {
		if config != nil && config.DefaultEnvironment != "" {
			envName = config.DefaultEnvironment
		} else {
			envName = defaultEnvironmentName
		}
	}

	var (
		envConfig EnvironmentConfig
		envExists bool
	)
	if config != nil && config.Environments != nil {
		envConfig, envExists = config.Environments[envName]
	}

	resolved := &ResolvedEnvironment{Name: envName, FromConfig: envExists}
	if config != nil {
		resolved.DatabaseURL = config.DatabaseURL
		resolved.MigrationsDir = config.MigrationsDir
		resolved.Dialect = config.Dialect
		resolved.LedgerTable = config.LedgerTable
	}
	if envConfig.DatabaseURL != "" {
		resolved.DatabaseURL = envConfig.DatabaseURL
	}
	if envConfig.MigrationsDir != "" {
		resolved.MigrationsDir = envConfig.MigrationsDir
	}
	if envConfig.Dialect != "" {
		resolved.Dialect = envConfig.Dialect
	}
	if envConfig.LedgerTable != "" {
		resolved.LedgerTable = envConfig.LedgerTable
	}

	baseDir := config.ConfigDir()
	if baseDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			baseDir = cwd
		}
	}
	resolved.DotenvPath = filepath.Join(baseDir, ".env."+envName)

	if info, err := os.Stat(resolved.DotenvPath); err == nil && !info.IsDir() {
		values, err := godotenv.Read(resolved.DotenvPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", resolved.DotenvPath, err)
		}
		resolved.FromDotenv = true

		for _, key := range dotenvURLKeys {
			if value := values[key]; value != "" {
				resolved.DatabaseURL = value
				break
			}
		}
		if value := values["LIBSQL_AUTH_TOKEN"]; value != "" {
			resolved.AuthToken = value
		}
		if value := values["MIGRATIONS_DIR"]; value != "" {
			resolved.MigrationsDir = value
		}
	} else if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to access %s: %w", resolved.DotenvPath, err)
	}

	if resolved.MigrationsDir == "" {
		resolved.MigrationsDir = defaultMigrationsDir
	}
	resolved.MigrationsDir = resolvePath(resolved.MigrationsDir, config.ConfigDir())

	if len(config.environments()) > 0 && !envExists && !resolved.FromDotenv {
		names := make([]string, 0, len(config.Environments))
		for name := range config.Environments {
			names = append(names, name)
		}
		return nil, fmt.Errorf("environment %q not defined in %s and %s not found%s",
			envName, FileName, resolved.DotenvPath, strutil.Suggest(envName, names))
	}

	return resolved, nil
}

func (c *Config) environments() map[string]EnvironmentConfig {
	if c == nil {
		return nil
	}
	return c.Environments
}

// resolvePath makes a relative path relative to the config directory.
func resolvePath(path, baseDir string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

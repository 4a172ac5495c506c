package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/xeipuuv/gojsonschema"
)

// FileName is the name of the project configuration file.
const FileName = "sqlstep.toml"

//go:embed schema.json
var schemaJSON []byte

// EnvironmentConfig describes a single named environment from sqlstep.toml.
type EnvironmentConfig struct {
	Description   string `toml:"description"`
	DatabaseURL   string `toml:"database_url"`
	MigrationsDir string `toml:"migrations_dir"`
	Dialect       string `toml:"dialect"`
	LedgerTable   string `toml:"ledger_table"`
}

// Config is the content of sqlstep.toml. Top-level connection settings act as
// defaults for every environment.
type Config struct {
	DefaultEnvironment string                       `toml:"default_environment"`
	DatabaseURL        string                       `toml:"database_url"`
	MigrationsDir      string                       `toml:"migrations_dir"`
	LedgerTable        string                       `toml:"ledger_table"`
	ChecksumPolicy     string                       `toml:"checksum_policy"`
	LabelPrefix        string                       `toml:"label_prefix"`
	Dialect            string                       `toml:"dialect"`
	Environments       map[string]EnvironmentConfig `toml:"environments"`

	ConfigFilePath string `toml:"-"`
	configDir      string
}

// ConfigDir returns the directory holding sqlstep.toml, or "" when no file
// was loaded.
func (c *Config) ConfigDir() string {
	if c == nil {
		return ""
	}
	if c.configDir != "" {
		return c.configDir
	}
	if c.ConfigFilePath != "" {
		return filepath.Dir(c.ConfigFilePath)
	}
	return ""
}

// ValidationError lists the schema violations of a config file.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s:\n  - %s", e.Path, strings.Join(e.Problems, "\n  - "))
}

// LoadConfig finds sqlstep.toml in the working directory or its parents, up
// to the project root. Without a file it returns an empty Config.
func LoadConfig() (*Config, error) {
	startDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	dir := startDir
	for {
		configPath := filepath.Join(dir, FileName)
		if _, err := os.Stat(configPath); err == nil {
			return LoadFile(configPath)
		}

		// Check if we've reached a project boundary
		if isProjectRoot(dir) {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return &Config{}, nil
}

// LoadFile reads, validates and decodes one config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s as toml: %w", path, err)
	}
	if err := validate(path, raw); err != nil {
		return nil, err
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s as toml: %w", path, err)
	}
	config.ConfigFilePath = path
	config.configDir = filepath.Dir(path)
	return &config, nil
}

func validate(path string, raw map[string]any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to validate %s: %w", path, err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{Path: path}
	for _, desc := range result.Errors() {
		verr.Problems = append(verr.Problems, desc.String())
	}
	return verr
}

// isProjectRoot checks if the directory is a project root based on common markers
func isProjectRoot(dir string) bool {
	for _, marker := range []string{".git", "go.mod", "package.json"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

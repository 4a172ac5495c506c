// Package catalog lists the migration scripts of a directory in application
// order.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// UnversionedKey is the version given to files without a numeric prefix.
const UnversionedKey = "000"

// MigrationFile is one discovered migration script.
type MigrationFile struct {
	Version  string `json:"version"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// NotFoundError is returned when the migration directory does not exist.
type NotFoundError struct {
	Dir string
	Err error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("migration directory %s not found", e.Dir)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// UnversionedFileError reports files whose names carry no numeric prefix.
type UnversionedFileError struct {
	Filenames []string
}

func (e *UnversionedFileError) Error() string {
	return fmt.Sprintf("migration files without a numeric version prefix: %s", strings.Join(e.Filenames, ", "))
}

// DuplicateVersionError reports two files that resolve to the same version.
type DuplicateVersionError struct {
	Version   string
	Filenames []string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("version %s is used by more than one file: %s", e.Version, strings.Join(e.Filenames, ", "))
}

// Scan lists the .sql files of dir sorted by version ascending. Other files
// and subdirectories are ignored. An existing directory without scripts
// yields an empty list.
func Scan(dir string) ([]MigrationFile, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Dir: dir, Err: err}
		}
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}

	files := make([]MigrationFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".sql") {
			continue
		}
		files = append(files, MigrationFile{
			Version:  VersionOf(entry.Name()),
			Filename: entry.Name(),
			Path:     filepath.Join(abs, entry.Name()),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if c := CompareVersions(files[i].Version, files[j].Version); c != 0 {
			return c < 0
		}
		return files[i].Filename < files[j].Filename
	})
	return files, nil
}

// VersionOf returns the leading run of digits of filename, or UnversionedKey.
func VersionOf(filename string) string {
	end := 0
	for end < len(filename) && filename[end] >= '0' && filename[end] <= '9' {
		end++
	}
	if end == 0 {
		return UnversionedKey
	}
	return filename[:end]
}

func hasVersionPrefix(filename string) bool {
	return filename != "" && filename[0] >= '0' && filename[0] <= '9'
}

// CompareVersions orders two digit strings by numeric value without integer
// conversion, so prefixes of any length compare correctly. Equal values with
// different padding fall back to a lexical comparison.
func CompareVersions(a, b string) int {
	ta, tb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
	if len(ta) != len(tb) {
		if len(ta) < len(tb) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(ta, tb); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// Validate rejects catalogs that cannot be applied in a well-defined order:
// files without a version prefix and versions shared by several files.
func Validate(files []MigrationFile) error {
	var unversioned []string
	byVersion := make(map[string][]string)
	var order []string
	for _, f := range files {
		if !hasVersionPrefix(f.Filename) {
			unversioned = append(unversioned, f.Filename)
			continue
		}
		key := strings.TrimLeft(f.Version, "0")
		if _, seen := byVersion[key]; !seen {
			order = append(order, key)
		}
		byVersion[key] = append(byVersion[key], f.Filename)
	}
	if len(unversioned) > 0 {
		return &UnversionedFileError{Filenames: unversioned}
	}
	for _, key := range order {
		if names := byVersion[key]; len(names) > 1 {
			return &DuplicateVersionError{Version: VersionOf(names[0]), Filenames: names}
		}
	}
	return nil
}

// Read returns the content of f and its SHA-256 checksum in hex.
func Read(f MigrationFile) (string, string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s: %w", f.Filename, err)
	}
	return string(data), Checksum(data), nil
}

// Checksum hashes migration content the way it is recorded in the ledger.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

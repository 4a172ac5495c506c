// Package label generates the opaque external ids attached to ledger rows.
package label

import (
	"strings"

	"github.com/google/uuid"
)

// Generator returns a label for the migration identified by version and
// filename. Labels are informational and never used as keys.
type Generator func(version, filename string) string

// UUID labels every attempt with a random UUID.
func UUID() Generator {
	return func(string, string) string {
		return uuid.NewString()
	}
}

// Prefixed labels attempts as PREFIX-<version>-<8 hex chars>, the shape of an
// issue or deployment id.
func Prefixed(prefix string) Generator {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return UUID()
	}
	return func(version, _ string) string {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		return strings.ToUpper(prefix) + "-" + version + "-" + id[:8]
	}
}

// None disables labels.
func None() Generator {
	return func(string, string) string { return "" }
}

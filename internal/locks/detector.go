package locks

import (
	"regexp"
	"strings"
)

// Impact is the lock a single statement takes on its target table.
type Impact struct {
	// Table is the unquoted, lower-cased target, or "" when unknown.
	Table       string
	Mode        LockMode
	Explanation string
	// Creates is set for CREATE TABLE, whose target cannot be in use yet.
	Creates     bool
}

// BlocksReads reports whether other sessions cannot read Table meanwhile.
func (i Impact) BlocksReads() bool { return i.Mode.BlocksReads() }

// BlocksWrites reports whether other sessions cannot write Table meanwhile.
func (i Impact) BlocksWrites() bool { return i.Mode.BlocksWrites() }

const identPattern = `((?:"[^"]+"|[A-Za-z_][\w$]*)(?:\.(?:"[^"]+"|[A-Za-z_][\w$]*))?)`

var (
	createIndexRe = regexp.MustCompile(`(?is)^CREATE\s+(?:UNIQUE\s+)?INDEX\s+(CONCURRENTLY\s+)?.*?\bON\s+(?:ONLY\s+)?` + identPattern)
	alterTableRe  = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+(?:IF\s+EXISTS\s+)?(?:ONLY\s+)?` + identPattern)
	dropTableRe   = regexp.MustCompile(`(?is)^DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?` + identPattern)
	truncateRe    = regexp.MustCompile(`(?is)^TRUNCATE\s+(?:TABLE\s+)?(?:ONLY\s+)?` + identPattern)
	createTableRe = regexp.MustCompile(`(?is)^CREATE\s+(?:(?:GLOBAL\s+|LOCAL\s+)?(?:TEMP|TEMPORARY|UNLOGGED)\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + identPattern)
	dmlRe         = regexp.MustCompile(`(?is)^(?:INSERT\s+INTO|UPDATE(?:\s+ONLY)?|DELETE\s+FROM(?:\s+ONLY)?)\s+` + identPattern)
)

// Analyze returns the lock stmt takes. Statements that are not recognized are
// assumed to take ACCESS EXCLUSIVE.
func Analyze(stmt string) Impact {
	sql := strings.TrimSpace(stmt)
	upper := strings.ToUpper(sql)

	switch {
	case sql == "":
		return Impact{Mode: LockAccessShare, Explanation: "empty statement"}

	case createIndexRe.MatchString(sql):
		m := createIndexRe.FindStringSubmatch(sql)
		if m[1] != "" {
			return Impact{Table: normalize(m[2]), Mode: LockShareUpdateExclusive,
				Explanation: "CREATE INDEX CONCURRENTLY allows concurrent reads and writes"}
		}
		return Impact{Table: normalize(m[2]), Mode: LockShare,
			Explanation: "CREATE INDEX blocks writes while the index is built"}

	case alterTableRe.MatchString(sql):
		table := normalize(alterTableRe.FindStringSubmatch(sql)[1])
		if strings.Contains(upper, "VALIDATE CONSTRAINT") {
			return Impact{Table: table, Mode: LockShareUpdateExclusive,
				Explanation: "VALIDATE CONSTRAINT allows concurrent reads and writes"}
		}
		return Impact{Table: table, Mode: LockAccessExclusive, Explanation: explainAlter(upper)}

	case dropTableRe.MatchString(sql):
		return Impact{Table: normalize(dropTableRe.FindStringSubmatch(sql)[1]), Mode: LockAccessExclusive,
			Explanation: "DROP TABLE requires exclusive access to remove the table"}

	case strings.HasPrefix(upper, "DROP INDEX"):
		if strings.Contains(upper, "CONCURRENTLY") {
			return Impact{Mode: LockShareUpdateExclusive,
				Explanation: "DROP INDEX CONCURRENTLY allows concurrent reads and writes"}
		}
		return Impact{Mode: LockAccessExclusive,
			Explanation: "DROP INDEX locks the indexed table exclusively"}

	case truncateRe.MatchString(sql):
		return Impact{Table: normalize(truncateRe.FindStringSubmatch(sql)[1]), Mode: LockAccessExclusive,
			Explanation: "TRUNCATE requires exclusive access to delete all rows"}

	case createTableRe.MatchString(sql):
		return Impact{Table: normalize(createTableRe.FindStringSubmatch(sql)[1]), Mode: LockAccessShare,
			Explanation: "new table", Creates: true}

	case dmlRe.MatchString(sql):
		return Impact{Table: normalize(dmlRe.FindStringSubmatch(sql)[1]), Mode: LockRowExclusive,
			Explanation: "row-level changes"}

	case strings.HasPrefix(upper, "SELECT"), strings.HasPrefix(upper, "WITH"):
		return Impact{Mode: LockAccessShare, Explanation: "read-only"}

	case strings.HasPrefix(upper, "CREATE"), strings.HasPrefix(upper, "COMMENT"),
		strings.HasPrefix(upper, "GRANT"), strings.HasPrefix(upper, "REVOKE"), strings.HasPrefix(upper, "SET"):
		return Impact{Mode: LockAccessShare, Explanation: "does not lock an existing table"}
	}

	return Impact{Mode: LockAccessExclusive, Explanation: "unrecognized statement"}
}

// DetectLockMode returns the lock mode stmt takes.
func DetectLockMode(stmt string) LockMode {
	return Analyze(stmt).Mode
}

// IsConcurrent reports whether stmt is CREATE or DROP INDEX CONCURRENTLY,
// which PostgreSQL refuses to run inside a transaction block.
func IsConcurrent(stmt string) bool {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	if !strings.HasPrefix(upper, "CREATE") && !strings.HasPrefix(upper, "DROP") {
		return false
	}
	fields := strings.Fields(upper)
	for i, f := range fields {
		if f == "INDEX" {
			return i+1 < len(fields) && fields[i+1] == "CONCURRENTLY"
		}
	}
	return false
}

func explainAlter(upper string) string {
	switch {
	case strings.Contains(upper, "ADD COLUMN") && strings.Contains(upper, "DEFAULT"):
		return "ALTER TABLE ADD COLUMN with DEFAULT may rewrite the entire table"
	case strings.Contains(upper, "DROP COLUMN"):
		return "DROP COLUMN requires exclusive access to modify table structure"
	case strings.Contains(upper, " TYPE "):
		return "changing a column type may rewrite the entire table"
	case strings.Contains(upper, "ADD CONSTRAINT") && !strings.Contains(upper, "NOT VALID"):
		return "ADD CONSTRAINT scans all existing rows to validate the constraint"
	case strings.Contains(upper, "SET NOT NULL"):
		return "SET NOT NULL scans all existing rows"
	default:
		return "ALTER TABLE requires exclusive access"
	}
}

// normalize strips identifier quotes and folds unquoted parts to lower case.
func normalize(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if strings.HasPrefix(p, `"`) && strings.HasSuffix(p, `"`) && len(p) >= 2 {
			parts[i] = p[1 : len(p)-1]
		} else {
			parts[i] = strings.ToLower(p)
		}
	}
	return strings.Join(parts, ".")
}

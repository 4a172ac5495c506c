package sqlcheck

import (
	"fmt"

	"github.com/lockplane/sqlstep/internal/locks"
	"github.com/lockplane/sqlstep/internal/splitter"
)

// lockIssues reports statements PostgreSQL refuses inside a transaction and
// statements that block other sessions on an existing table until the file
// commits. created collects the tables created earlier in the same file; a
// quiet call only records them.
func lockIssues(file string, stmt splitter.Statement, created map[string]bool, quiet bool) []Issue {
	if locks.IsConcurrent(stmt.Text) {
		return []Issue{{
			File:     file,
			Line:     stmt.Line,
			Column:   1,
			Severity: SeverityError,
			Message: "CONCURRENTLY cannot run inside a transaction block\n" +
				"  Each migration file runs in its own transaction; build the index outside sqlstep",
			Code: "concurrent_in_transaction",
		}}
	}

	impact := locks.Analyze(stmt.Text)
	if impact.Table == "" {
		return nil
	}
	if impact.Creates {
		created[impact.Table] = true
		return nil
	}
	if quiet || created[impact.Table] || impact.Mode.ImpactLevel() < locks.ImpactMedium {
		return nil
	}

	blocked := "writes"
	if impact.BlocksReads() {
		blocked = "reads and writes"
	}
	return []Issue{{
		File:     file,
		Line:     stmt.Line,
		Column:   1,
		Severity: SeverityWarning,
		Message: fmt.Sprintf("%s lock on '%s' blocks %s until the migration commits\n  %s",
			impact.Mode, impact.Table, blocked, impact.Explanation),
		Code: "blocking_lock",
	}}
}

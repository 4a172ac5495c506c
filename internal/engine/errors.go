package engine

import (
	"fmt"
	"strings"
)

// BenignStatementError is a statement failure that only says the object
// already exists. The file keeps running.
type BenignStatementError struct {
	Version   string
	Filename  string
	Index     int
	Statement string
	Err       error
}

func (e *BenignStatementError) Error() string {
	return fmt.Sprintf("%s: statement %d ignored: %v", e.Filename, e.Index, e.Err)
}

func (e *BenignStatementError) Unwrap() error { return e.Err }

// FatalStatementError aborts the file: its transaction is rolled back and no
// later file is attempted.
type FatalStatementError struct {
	Version   string
	Filename  string
	Index     int
	Statement string
	Err       error
}

func (e *FatalStatementError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("%s: %v", e.Filename, e.Err)
	}
	return fmt.Sprintf("%s: statement %d failed: %v", e.Filename, e.Index, e.Err)
}

func (e *FatalStatementError) Unwrap() error { return e.Err }

// LedgerWriteError means the ledger could not be read or updated, so its
// rows may no longer match what was applied to the database. It is never
// retried.
type LedgerWriteError struct {
	Op      string
	Version string
	Err     error
}

func (e *LedgerWriteError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s failed for version %s: %v; ledger may not match the database", e.Op, e.Version, e.Err)
}

func (e *LedgerWriteError) Unwrap() error { return e.Err }

// ChecksumMismatchError reports a DONE version whose file has changed since
// it was applied.
type ChecksumMismatchError struct {
	Version  string
	Filename string
	Recorded string
	Current  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s: version %s was applied with checksum %s but the file now hashes to %s",
		e.Filename, e.Version, short(e.Recorded), short(e.Current))
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// preview returns the first line of a statement, capped for display.
func preview(stmt string) string {
	line, _, more := strings.Cut(strings.TrimSpace(stmt), "\n")
	if len(line) > 80 {
		return line[:77] + "..."
	}
	if more {
		return line + " ..."
	}
	return line
}

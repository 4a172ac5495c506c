// Package sqlcheck finds problems in migration files before they are applied.
package sqlcheck

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/lockplane/sqlstep/internal/catalog"
	"github.com/lockplane/sqlstep/internal/splitter"
)

// Severity of an Issue. Only errors make a catalog invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding, located by file, line and column.
type Issue struct {
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Code     string   `json:"code,omitempty"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s", i.File, i.Line, i.Column, strings.ToUpper(string(i.Severity)), i.Message)
}

// Result contains every issue found in a migration directory.
type Result struct {
	Valid  bool    `json:"valid"`
	Files  int     `json:"files"`
	Issues []Issue `json:"issues"`
}

// Errors returns the number of error issues.
func (r *Result) Errors() int {
	n := 0
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Options select the checks run on each file.
type Options struct {
	Dialect splitter.Dialect
	// Postgres parses every statement with the PostgreSQL parser and adds
	// syntax errors and destructive-operation warnings.
	Postgres bool
}

// Check scans dir and checks the catalog and every file in it. A missing
// directory is returned as an error; everything else becomes an Issue.
func Check(dir string, opts Options) (*Result, error) {
	files, err := catalog.Scan(dir)
	if err != nil {
		return nil, err
	}

	res := &Result{Files: len(files), Issues: []Issue{}}
	if err := catalog.Validate(files); err != nil {
		res.Issues = append(res.Issues, catalogIssues(err)...)
	}
	for _, f := range files {
		content, _, err := catalog.Read(f)
		if err != nil {
			res.Issues = append(res.Issues, Issue{
				File:     f.Filename,
				Line:     1,
				Column:   1,
				Severity: SeverityError,
				Message:  err.Error(),
				Code:     "file_read_error",
			})
			continue
		}
		res.Issues = append(res.Issues, CheckSQL(f.Filename, content, opts)...)
	}
	res.Valid = res.Errors() == 0
	return res, nil
}

func catalogIssues(err error) []Issue {
	var (
		unversioned *catalog.UnversionedFileError
		duplicate   *catalog.DuplicateVersionError
		issues      []Issue
	)
	switch {
	case errors.As(err, &unversioned):
		for _, name := range unversioned.Filenames {
			issues = append(issues, Issue{
				File:     name,
				Line:     1,
				Column:   1,
				Severity: SeverityError,
				Message:  "file name has no numeric version prefix (expected e.g. 001-" + name + ")",
				Code:     "unversioned_file",
			})
		}
	case errors.As(err, &duplicate):
		for _, name := range duplicate.Filenames {
			issues = append(issues, Issue{
				File:     name,
				Line:     1,
				Column:   1,
				Severity: SeverityError,
				Message:  fmt.Sprintf("version %s is used by %s", duplicate.Version, strings.Join(duplicate.Filenames, ", ")),
				Code:     "duplicate_version",
			})
		}
	default:
		issues = append(issues, Issue{Line: 1, Column: 1, Severity: SeverityError, Message: err.Error(), Code: "catalog_error"})
	}
	return issues
}

var (
	transactionControlRe = regexp.MustCompile(`(?is)^(BEGIN|START\s+TRANSACTION|COMMIT|END|ROLLBACK)(\s+(WORK|TRANSACTION|TRAN|DEFERRED|IMMEDIATE|EXCLUSIVE))?$`)
	nearTokenRe          = regexp.MustCompile(`at or near "([^"]+)"`)
	timestampzRe         = regexp.MustCompile(`(?i)\bTIMESTAMPZ\b`)
)

// CheckSQL checks the content of one migration file.
func CheckSQL(file, content string, opts Options) []Issue {
	var issues []Issue

	res := splitter.Split(content, opts.Dialect)
	if res.Fallback != nil {
		issues = append(issues, Issue{
			File:     file,
			Line:     res.Fallback.Line,
			Column:   1,
			Severity: SeverityWarning,
			Message:  res.Fallback.Error(),
			Code:     "split_fallback",
		})
	}
	if len(res.Statements) == 0 {
		issues = append(issues, Issue{
			File:     file,
			Line:     1,
			Column:   1,
			Severity: SeverityWarning,
			Message:  "file contains no statements",
			Code:     "empty_file",
		})
		return issues
	}

	created := map[string]bool{}
	for _, stmt := range res.Statements {
		if !stmt.IsBlock && transactionControlRe.MatchString(strings.TrimSpace(stmt.Text)) {
			issues = append(issues, Issue{
				File:     file,
				Line:     stmt.Line,
				Column:   1,
				Severity: SeverityError,
				Message: fmt.Sprintf("transaction control statement %q\n"+
					"  Each migration file already runs in its own transaction", stmt.Text),
				Code: "transaction_control",
			})
			continue
		}
		if opts.Postgres {
			found := checkPostgres(file, stmt)
			issues = append(issues, found...)
			issues = append(issues, lockIssues(file, stmt, created, len(found) > 0)...)
		}
	}
	return issues
}

func checkPostgres(file string, stmt splitter.Statement) []Issue {
	if loc := timestampzRe.FindStringIndex(stmt.Text); loc != nil {
		line, col := position(stmt, loc[0])
		return []Issue{{
			File:     file,
			Line:     line,
			Column:   col,
			Severity: SeverityError,
			Message: "Unknown data type 'TIMESTAMPZ'\n" +
				"  Did you mean 'TIMESTAMP' or 'TIMESTAMPTZ'?",
			Code: "invalid_data_type",
		}}
	}

	tree, err := pg_query.Parse(stmt.Text)
	if err != nil {
		return []Issue{syntaxIssue(file, stmt, err)}
	}

	var issues []Issue
	for _, raw := range tree.Stmts {
		if raw.Stmt == nil {
			continue
		}
		for _, d := range destructive(raw.Stmt) {
			issues = append(issues, Issue{
				File:     file,
				Line:     stmt.Line,
				Column:   1,
				Severity: SeverityWarning,
				Message:  d.message,
				Code:     d.code,
			})
		}
	}
	return issues
}

func syntaxIssue(file string, stmt splitter.Statement, err error) Issue {
	msg := strings.TrimPrefix(err.Error(), "failed to parse SQL: ")
	offset := -1
	if m := nearTokenRe.FindStringSubmatch(msg); m != nil {
		offset = strings.Index(stmt.Text, m[1])
	}

	line, col := stmt.Line, 1
	if offset >= 0 {
		line, col = position(stmt, offset)
	}
	return Issue{
		File:     file,
		Line:     line,
		Column:   col,
		Severity: SeverityError,
		Message:  msg,
		Code:     "syntax_error",
	}
}

// position converts a byte offset within stmt to a line and column of the
// file. Columns on the first line are relative to the statement start.
func position(stmt splitter.Statement, offset int) (int, int) {
	if offset > len(stmt.Text) {
		offset = len(stmt.Text)
	}
	before := stmt.Text[:offset]
	line := stmt.Line + strings.Count(before, "\n")
	col := offset + 1
	if idx := strings.LastIndexByte(before, '\n'); idx >= 0 {
		col = offset - idx
	}
	return line, col
}

package sqlcheck

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lockplane/sqlstep/internal/splitter"
)

var pgOpts = Options{Dialect: splitter.GenericDialect{}, Postgres: true}

func TestCheckSQL_SyntaxLineNumbers(t *testing.T) {
	tests := []struct {
		name         string
		sql          string
		expectedLine int
		expectedMsg  string
	}{
		{
			name: "syntax error after blank lines",
			sql: `-- Comment
CREATE TABLE projects (
  id TEXT PRIMARY KEY
);

-- Another comment
CREATE ha TABLE todos (
  id TEXT PRIMARY KEY
);`,
			expectedLine: 7,
			expectedMsg:  "syntax error at or near \"ha\"",
		},
		{
			name: "syntax error on first statement",
			sql: `CREATE ha TABLE users (
  id TEXT PRIMARY KEY
);`,
			expectedLine: 1,
			expectedMsg:  "syntax error at or near \"ha\"",
		},
		{
			name: "syntax error inside a statement",
			sql: `CREATE TABLE valid (
  id TEXT PRIMARY KEY
);

/* block
   comment */
INSERT INTO valid (id)
VALUES ('a') WHERE;`,
			expectedLine: 8,
			expectedMsg:  "syntax error at or near \"WHERE\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := CheckSQL("001-test.sql", tt.sql, pgOpts)

			if len(issues) != 1 {
				t.Fatalf("expected 1 issue, got %v", issues)
			}
			if issues[0].Code != "syntax_error" {
				t.Errorf("expected syntax_error, got %s", issues[0].Code)
			}
			if issues[0].Line != tt.expectedLine {
				t.Errorf("expected line %d, got %d", tt.expectedLine, issues[0].Line)
			}
			if !strings.Contains(issues[0].Message, tt.expectedMsg) {
				t.Errorf("expected message to contain %q, got %q", tt.expectedMsg, issues[0].Message)
			}
		})
	}
}

func TestCheckSQL_ReportsEveryBrokenStatement(t *testing.T) {
	sql := "CREATE ha TABLE a (id INT);\nSELECT 1;\nCREATE TABLE b (id INT,);\n"
	issues := CheckSQL("001-x.sql", sql, pgOpts)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %v", issues)
	}
	if issues[0].Line != 1 || issues[1].Line != 3 {
		t.Errorf("expected lines 1 and 3, got %d and %d", issues[0].Line, issues[1].Line)
	}
}

func TestCheckSQL_DestructiveWarnings(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		code string
	}{
		{"drop table", "DROP TABLE users CASCADE;", "dangerous_drop_table"},
		{"truncate", "TRUNCATE audit_log;", "dangerous_truncate"},
		{"delete all", "DELETE FROM sessions;", "dangerous_delete_all"},
		{"drop column", "ALTER TABLE users DROP COLUMN legacy;", "dangerous_drop_column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := CheckSQL("002-x.sql", "SELECT 1;\n"+tt.sql, pgOpts)
			if len(issues) != 1 {
				t.Fatalf("expected 1 issue, got %v", issues)
			}
			if issues[0].Code != tt.code || issues[0].Severity != SeverityWarning {
				t.Errorf("expected warning %s, got %s %s", tt.code, issues[0].Severity, issues[0].Code)
			}
			if issues[0].Line != 2 {
				t.Errorf("expected line 2, got %d", issues[0].Line)
			}
		})
	}

	if issues := CheckSQL("003-x.sql", "DELETE FROM sessions WHERE expired;", pgOpts); len(issues) != 0 {
		t.Errorf("expected no issues for filtered delete, got %v", issues)
	}
}

func TestCheckSQL_TransactionControl(t *testing.T) {
	issues := CheckSQL("001-x.sql", "BEGIN;\nCREATE TABLE a (id INT);\nCOMMIT;", Options{})
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %v", issues)
	}
	for _, issue := range issues {
		if issue.Code != "transaction_control" || issue.Severity != SeverityError {
			t.Errorf("unexpected issue %v", issue)
		}
	}

	// A routine body is not transaction control.
	body := "CREATE PROCEDURE p()\nBEGIN\n  SELECT 1;\nEND;"
	if issues := CheckSQL("002-x.sql", body, Options{Dialect: splitter.BlockAwareDialect{}}); len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
}

func TestCheckSQL_TimestampTypo(t *testing.T) {
	issues := CheckSQL("001-x.sql", "CREATE TABLE a (\n  id INT,\n  at TIMESTAMPZ\n);", pgOpts)
	if len(issues) != 1 || issues[0].Code != "invalid_data_type" {
		t.Fatalf("expected invalid_data_type, got %v", issues)
	}
	if issues[0].Line != 3 || issues[0].Column != 6 {
		t.Errorf("expected 3:6, got %d:%d", issues[0].Line, issues[0].Column)
	}
}

func TestCheckSQL_EmptyAndFallback(t *testing.T) {
	issues := CheckSQL("001-x.sql", "-- nothing yet\n", Options{})
	if len(issues) != 1 || issues[0].Code != "empty_file" {
		t.Errorf("expected empty_file, got %v", issues)
	}

	issues = CheckSQL("002-x.sql", "SELECT 1;\nSELECT 'open;\n", Options{})
	if len(issues) != 1 || issues[0].Code != "split_fallback" || issues[0].Line != 2 {
		t.Errorf("expected split_fallback on line 2, got %v", issues)
	}
}

func TestCheck_Directory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"001-a.sql": "CREATE TABLE a (id INT);",
		"01-b.sql":  "CREATE TABLE b (id INT);",
		"002-c.sql": "CREATE TABLE c (id INT,);",
		"readme.md": "not a migration",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := Check(dir, pgOpts)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Valid {
		t.Error("expected invalid result")
	}
	if res.Files != 3 {
		t.Errorf("expected 3 files, got %d", res.Files)
	}

	codes := map[string]int{}
	for _, issue := range res.Issues {
		codes[issue.Code]++
	}
	if codes["duplicate_version"] != 2 {
		t.Errorf("expected 2 duplicate_version issues, got %v", res.Issues)
	}
	if codes["syntax_error"] != 1 {
		t.Errorf("expected 1 syntax_error issue, got %v", res.Issues)
	}

	if _, err := Check(filepath.Join(dir, "missing"), pgOpts); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestCheck_Unversioned(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cleanup.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := Check(dir, Options{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Valid || len(res.Issues) != 1 || res.Issues[0].Code != "unversioned_file" {
		t.Errorf("expected one unversioned_file issue, got %v", res.Issues)
	}
}

func TestCheckSQL_LockWarnings(t *testing.T) {
	tests := []struct {
		name  string
		sql   string
		codes []string
	}{
		{
			name:  "index on existing table",
			sql:   "CREATE INDEX users_email ON users (email);",
			codes: []string{"blocking_lock"},
		},
		{
			name:  "alter existing table",
			sql:   "SELECT 1;\nALTER TABLE users ADD COLUMN active BOOLEAN DEFAULT true;",
			codes: []string{"blocking_lock"},
		},
		{
			name:  "table created in the same file",
			sql:   "CREATE TABLE teams (id INT);\nCREATE INDEX teams_id ON teams (id);\nALTER TABLE teams ADD COLUMN name TEXT;",
			codes: nil,
		},
		{
			name:  "concurrent index",
			sql:   "CREATE INDEX CONCURRENTLY users_email ON users (email);",
			codes: []string{"concurrent_in_transaction"},
		},
		{
			name:  "row changes",
			sql:   "UPDATE users SET active = true WHERE id = 1;",
			codes: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := CheckSQL("004-x.sql", tt.sql, pgOpts)
			var codes []string
			for _, issue := range issues {
				codes = append(codes, issue.Code)
			}
			if strings.Join(codes, ",") != strings.Join(tt.codes, ",") {
				t.Fatalf("expected codes %v, got %v", tt.codes, issues)
			}
		})
	}

	issues := CheckSQL("005-x.sql", "CREATE INDEX CONCURRENTLY i ON users (email);", pgOpts)
	if len(issues) != 1 || issues[0].Severity != SeverityError {
		t.Errorf("expected a concurrent index to be an error, got %v", issues)
	}
	if issues := CheckSQL("006-x.sql", "CREATE INDEX CONCURRENTLY i ON users (email);", Options{}); len(issues) != 0 {
		t.Errorf("expected no lock checks without the PostgreSQL parser, got %v", issues)
	}
}

package splitter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lockplane/sqlstep/internal/strutil"
)

// Dialect describes how a script is cut into statements.
//
// Block detection methods receive a comment-free fragment of text between two
// active delimiters in which quoted literals and identifiers have been blanked
// out, so keywords inside strings never count.
type Dialect interface {
	// Name returns the dialect identifier used in configuration.
	Name() string
	// DefaultDelimiter is the statement terminator before any DELIMITER
	// directive. An empty delimiter disables in-line splitting.
	DefaultDelimiter() string
	// DelimiterDirective reports whether line redefines the delimiter and,
	// if so, the new delimiter.
	DelimiterDirective(line string) (string, bool)
	// IsBlockStart reports whether the fragment opens a block construct.
	IsBlockStart(fragment string) bool
	// IsBlockEnd reports whether the fragment closes a block construct.
	IsBlockEnd(fragment string) bool
	// TracksBlocks reports whether statements are held open while nesting is
	// above zero.
	TracksBlocks() bool
}

// BlockCounter is implemented by dialects that can report the net nesting
// change of a fragment. Dialects without it move nesting by at most one per
// fragment.
type BlockCounter interface {
	BlockDelta(fragment string) int
}

// BatchSeparator is implemented by dialects that split on whole separator
// lines, such as the GO line in SQL Server scripts.
type BatchSeparator interface {
	IsBatchSeparator(line string) bool
}

// backslashEscaper is implemented by dialects whose string literals treat a
// backslash as an escape character.
type backslashEscaper interface {
	BackslashEscapes() bool
}

var (
	delimiterDirectiveRe = regexp.MustCompile(`(?i)^\s*DELIMITER\s+(\S+)\s*$`)
	batchSeparatorRe     = regexp.MustCompile(`(?i)^\s*GO(?:\s+\d+)?\s*;?\s*$`)
	routineHeaderRe      = regexp.MustCompile(`(?is)\bCREATE\s+(?:OR\s+REPLACE\s+)?(?:OR\s+ALTER\s+)?(?:DEFINER\s*=\s*\S*(?:\s*@\s*\S*)?\s+)?(?:AGGREGATE\s+)?(?:PROCEDURE|PROC|FUNCTION|TRIGGER|EVENT)\b`)
)

func parseDelimiterDirective(line string) (string, bool) {
	m := delimiterDirectiveRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// GenericDialect splits on every active delimiter outside quotes. It has no
// notion of nesting, which suits engines whose routine bodies are quoted
// (PostgreSQL dollar quoting) or absent (SQLite).
type GenericDialect struct{}

func (GenericDialect) Name() string             { return "generic" }
func (GenericDialect) DefaultDelimiter() string { return ";" }
func (GenericDialect) TracksBlocks() bool       { return false }

func (GenericDialect) DelimiterDirective(line string) (string, bool) {
	return parseDelimiterDirective(line)
}

func (GenericDialect) IsBlockStart(fragment string) bool {
	return routineHeaderRe.MatchString(fragment)
}

func (GenericDialect) IsBlockEnd(string) bool { return false }

// BlockAwareDialect keeps BEGIN...END, CASE...END, IF...END IF and loop
// bodies together even when they contain the active delimiter. It is the
// dialect for MySQL and MariaDB scripts and for SQLite triggers.
type BlockAwareDialect struct {
	// Backslash makes a backslash escape the next character inside string
	// literals, as MySQL does by default.
	Backslash bool
}

func (BlockAwareDialect) Name() string             { return "block" }
func (BlockAwareDialect) DefaultDelimiter() string { return ";" }
func (BlockAwareDialect) TracksBlocks() bool       { return true }

func (d BlockAwareDialect) BackslashEscapes() bool { return d.Backslash }

func (BlockAwareDialect) DelimiterDirective(line string) (string, bool) {
	return parseDelimiterDirective(line)
}

// IsBlockStart also matches routine headers. A header marks the statement as
// a block but does not change nesting on its own: a body without BEGIN ends
// at the first delimiter.
func (BlockAwareDialect) IsBlockStart(fragment string) bool {
	opens, _ := countBlocks(fragment)
	return opens > 0 || routineHeaderRe.MatchString(fragment)
}

func (BlockAwareDialect) IsBlockEnd(fragment string) bool {
	_, closes := countBlocks(fragment)
	return closes > 0
}

func (BlockAwareDialect) BlockDelta(fragment string) int {
	opens, closes := countBlocks(fragment)
	return opens - closes
}

// BatchDialect splits SQL Server scripts on GO separator lines. Semicolons
// never end a batch.
type BatchDialect struct{}

func (BatchDialect) Name() string                            { return "batch" }
func (BatchDialect) DefaultDelimiter() string                { return "" }
func (BatchDialect) TracksBlocks() bool                      { return false }
func (BatchDialect) DelimiterDirective(string) (string, bool) { return "", false }
func (BatchDialect) IsBlockEnd(string) bool                  { return false }

func (BatchDialect) IsBlockStart(fragment string) bool {
	return routineHeaderRe.MatchString(fragment)
}

func (BatchDialect) IsBatchSeparator(line string) bool {
	return batchSeparatorRe.MatchString(line)
}

// ForName resolves a configured dialect name.
func ForName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "generic":
		return GenericDialect{}, nil
	case "block", "block-aware", "block_aware":
		return BlockAwareDialect{}, nil
	case "mysql", "mariadb":
		return BlockAwareDialect{Backslash: true}, nil
	case "batch", "tsql", "sqlserver", "mssql":
		return BatchDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q%s (expected generic, block, mysql or batch)",
			name, strutil.Suggest(name, dialectNames))
	}
}

var dialectNames = []string{"generic", "block", "mysql", "batch", "tsql"}

// countBlocks counts block openers and closers in a masked fragment.
func countBlocks(fragment string) (opens, closes int) {
	toks := tokenize(fragment)
	for i := 0; i < len(toks); i++ {
		next := ""
		if i+1 < len(toks) {
			next = strings.ToUpper(toks[i+1])
		}
		switch strings.ToUpper(toks[i]) {
		case "END":
			closes++
			switch next {
			case "IF", "CASE", "LOOP", "WHILE", "REPEAT":
				i++
			}
		case "BEGIN":
			switch next {
			case "", ";", "TRAN", "TRANSACTION", "WORK", "DEFERRED", "IMMEDIATE", "EXCLUSIVE":
				// transaction control, not a compound statement
			default:
				opens++
			}
		case "CASE", "LOOP":
			opens++
		case "REPEAT":
			if next != "(" {
				opens++
			}
		case "IF":
			if opensIf(toks, i) {
				opens++
			}
		case "WHILE":
			if hasWordAfter(toks, i, "DO") {
				opens++
			}
		}
	}
	return opens, closes
}

// opensIf reports whether the IF at toks[i] starts an IF ... END IF statement.
// The condition may be parenthesized or an EXISTS test; what decides is a THEN
// outside parentheses. DDL guards have no THEN, and the IF() function sits in
// expression position or is followed by the WHEN, ELSE or END of a CASE.
func opensIf(toks []string, i int) bool {
	if i > 0 && inExpression(toks[i-1]) {
		return false
	}
	depth := 0
	for _, t := range toks[i+1:] {
		switch strings.ToUpper(t) {
		case "(":
			depth++
		case ")":
			depth--
		case "THEN":
			if depth == 0 {
				return true
			}
		case "CASE", "WHEN", "ELSE", "END":
			if depth == 0 {
				return false
			}
		}
	}
	return false
}

// inExpression reports whether a token preceding IF places it inside an
// expression, where only the IF() function can appear.
func inExpression(prev string) bool {
	switch strings.ToUpper(prev) {
	case "(", ",", "=", "<", ">", "!", "+", "-", "*", "/", "%", "|", "&",
		"SELECT", "WHEN", "AND", "OR", "NOT", "RETURN", "WHERE", "ON", "BY", "VALUES", "IN", "ELSEIF":
		return true
	}
	return false
}

func hasWordAfter(toks []string, i int, word string) bool {
	for _, t := range toks[i+1:] {
		if strings.EqualFold(t, word) {
			return true
		}
	}
	return false
}

// tokenize returns the words and single punctuation characters of s.
func tokenize(s string) []string {
	var toks []string
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isWordByte(c) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			toks = append(toks, s[start:i])
			start = -1
		}
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			toks = append(toks, s[i:i+1])
		}
	}
	if start >= 0 {
		toks = append(toks, s[start:])
	}
	return toks
}

// isIdentWord reports whether s consists only of letters, digits and
// underscores.
func isIdentWord(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '_' && !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return s != ""
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Package splitter turns the text of one migration script into the ordered
// list of statements to execute.
package splitter

import (
	"fmt"
	"strings"
)

// Statement is one executable unit of a script.
type Statement struct {
	Text    string `json:"text"`
	IsBlock bool   `json:"is_block"`
	// Line is the 1-based line of the script on which the statement starts.
	Line int `json:"line"`
	// Delimiter is the delimiter that was active when the statement ended,
	// or "" for batch separators.
	Delimiter string `json:"delimiter,omitempty"`
}

// FallbackWarning reports that part of a script could not be tokenized with
// confidence and was returned as a single statement.
type FallbackWarning struct {
	Reason string
	Line   int
}

func (w *FallbackWarning) Error() string {
	return fmt.Sprintf("line %d: %s; remaining text returned as one statement", w.Line, w.Reason)
}

// Result holds the statements of one script.
type Result struct {
	Statements []Statement
	Fallback   *FallbackWarning
}

// Texts returns the statement texts in order.
func (r Result) Texts() []string {
	out := make([]string, len(r.Statements))
	for i, s := range r.Statements {
		out[i] = s.Text
	}
	return out
}

// Split cuts sql into statements using d. Comments are removed, DELIMITER
// directives are honoured and, for dialects that track blocks, a statement
// only ends at a delimiter once nesting is back to zero.
//
// Split never fails. Unterminated quotes, comments or blocks produce a
// FallbackWarning and the affected text is returned as the last statement.
// A script holding only comments and whitespace yields no statements.
func Split(sql string, d Dialect) Result {
	if d == nil {
		d = GenericDialect{}
	}
	s := &scanner{
		d:            d,
		delim:        d.DefaultDelimiter(),
		defaultDelim: d.DefaultDelimiter(),
		line:         1,
	}
	if be, ok := d.(backslashEscaper); ok {
		s.q.backslash = be.BackslashEscapes()
	}
	s.run(sql)
	return Result{Statements: s.out, Fallback: s.fallback}
}

type scanner struct {
	d            Dialect
	delim        string
	defaultDelim string

	q quoteState

	pending  strings.Builder // statement text, comments removed
	fragment strings.Builder // masked text since the last delimiter
	depth    int
	block    bool
	started  bool
	stmtLine int
	line     int

	out      []Statement
	fallback *FallbackWarning
}

func (s *scanner) run(sql string) {
	batch, _ := s.d.(BatchSeparator)
	inComment := false
	commentStart, commentLine, commentNewlines := 0, 0, 0
	quoteLine := 0

	for i := 0; i < len(sql); {
		if !inComment && !s.q.active() && (i == 0 || sql[i-1] == '\n') {
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql)
			} else {
				end += i
			}
			line := withoutLineComment(sql[i:end])
			if delim, ok := s.d.DelimiterDirective(line); ok {
				s.flush()
				s.delim = delim
				i = end
				continue
			}
			if batch != nil && batch.IsBatchSeparator(line) {
				s.flush()
				i = end
				continue
			}
		}

		c := sql[i]
		switch {
		case inComment:
			if strings.HasPrefix(sql[i:], "*/") {
				inComment = false
				if commentNewlines > 0 {
					nl := strings.Repeat("\n", commentNewlines)
					s.write(nl, nl)
				} else {
					s.write(" ", " ")
				}
				i += 2
				continue
			}
			if c == '\n' {
				commentNewlines++
				s.line++
			}
			i++
		case s.q.active():
			n := s.q.consume(sql, i)
			chunk := sql[i : i+n]
			s.write(chunk, blank(chunk))
			s.line += strings.Count(chunk, "\n")
			i += n
		case strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				i = len(sql)
			} else {
				i += end
			}
		case strings.HasPrefix(sql[i:], "/*"):
			inComment = true
			commentStart, commentLine, commentNewlines = i, s.line, 0
			i += 2
		case s.delim != "" && matchDelimiter(sql, i, s.delim):
			s.endFragment()
			i += len(s.delim)
		default:
			if n := s.q.open(sql, i); n > 0 {
				quoteLine = s.line
				chunk := sql[i : i+n]
				s.write(chunk, blank(chunk))
				i += n
				continue
			}
			s.write(sql[i:i+1], sql[i:i+1])
			if c == '\n' {
				s.line++
			}
			i++
		}
	}

	switch {
	case inComment:
		s.pending.WriteString(sql[commentStart:])
		s.warn("unterminated block comment", commentLine)
	case s.q.active():
		s.warn("unterminated quoted text", quoteLine)
	case s.d.TracksBlocks() && s.depth+s.delta(s.fragment.String()) > 0:
		s.warn("unclosed block", s.stmtLine)
	}
	s.flush()
}

// write appends raw text to the pending statement and its masked form to the
// current fragment.
func (s *scanner) write(raw, masked string) {
	if !s.started && strings.TrimSpace(raw) != "" {
		s.started = true
		s.stmtLine = s.line
	}
	s.pending.WriteString(raw)
	s.fragment.WriteString(masked)
}

// endFragment handles an active delimiter found outside quotes and comments.
func (s *scanner) endFragment() {
	s.absorbFragment()
	if s.d.TracksBlocks() && s.depth > 0 {
		s.pending.WriteString(s.delim)
		return
	}
	s.emit()
}

func (s *scanner) absorbFragment() {
	frag := s.fragment.String()
	s.fragment.Reset()
	if s.d.IsBlockStart(frag) {
		s.block = true
	}
	if s.d.TracksBlocks() {
		s.depth += s.delta(frag)
		if s.depth < 0 {
			s.depth = 0
		}
	}
}

func (s *scanner) delta(frag string) int {
	if bc, ok := s.d.(BlockCounter); ok {
		return bc.BlockDelta(frag)
	}
	n := 0
	if s.d.IsBlockStart(frag) {
		n++
	}
	if s.d.IsBlockEnd(frag) {
		n--
	}
	return n
}

// flush emits whatever is pending regardless of nesting.
func (s *scanner) flush() {
	s.absorbFragment()
	if s.d.TracksBlocks() && s.depth > 0 && s.fallback == nil {
		s.warn("block still open at delimiter change or batch end", s.stmtLine)
	}
	s.emit()
}

func (s *scanner) emit() {
	text := trimDelimiter(strings.TrimSpace(s.pending.String()), s.delim)
	if text != "" {
		custom := s.delim != "" && s.delim != s.defaultDelim
		s.out = append(s.out, Statement{Text: text, IsBlock: s.block || custom, Line: s.stmtLine, Delimiter: s.delim})
	}
	s.pending.Reset()
	s.fragment.Reset()
	s.depth = 0
	s.block = false
	s.started = false
}

func (s *scanner) warn(reason string, line int) {
	if s.fallback != nil {
		return
	}
	if line < 1 {
		line = 1
	}
	s.fallback = &FallbackWarning{Reason: reason, Line: line}
}

func trimDelimiter(text, delim string) string {
	if delim == "" {
		return text
	}
	for strings.HasSuffix(text, delim) {
		text = strings.TrimSpace(strings.TrimSuffix(text, delim))
	}
	return text
}

// matchDelimiter reports whether delim starts at sql[i]. A delimiter made only
// of identifier characters must stand alone as a word; any other delimiter,
// such as $$ or //, also ends a statement glued to it as in END$$.
func matchDelimiter(sql string, i int, delim string) bool {
	if !strings.HasPrefix(sql[i:], delim) {
		return false
	}
	if !isIdentWord(delim) {
		return true
	}
	if i > 0 && isWordByte(sql[i-1]) {
		return false
	}
	end := i + len(delim)
	return end >= len(sql) || !isWordByte(sql[end])
}

// withoutLineComment drops a trailing -- comment for directive detection.
func withoutLineComment(line string) string {
	if idx := strings.Index(line, "--"); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimRight(line, "\r")
}

// blank replaces every byte except newlines with a space.
func blank(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] != '\n' {
			b[i] = ' '
		}
	}
	return string(b)
}

package splitter

import "strings"

// quoteState tracks whether the scanner is inside a quoted literal or
// identifier: '...', "...", `...` or a PostgreSQL $tag$...$tag$ body.
type quoteState struct {
	quote     byte
	dollarTag string
	backslash bool
}

func (q *quoteState) active() bool { return q.quote != 0 }

// open enters a quoted region if one starts at s[i] and returns the length of
// the opening token, or 0.
func (q *quoteState) open(s string, i int) int {
	switch c := s[i]; c {
	case '\'', '"', '`':
		q.quote = c
		return 1
	case '$':
		if i > 0 && isWordByte(s[i-1]) {
			return 0
		}
		if tag, ok := dollarTag(s[i:]); ok {
			q.quote = '$'
			q.dollarTag = tag
			return len(tag)
		}
	}
	return 0
}

// consume advances through quoted text at s[i] and returns the number of
// bytes taken. The state is cleared when the closing token is consumed.
func (q *quoteState) consume(s string, i int) int {
	if q.quote == '$' {
		if strings.HasPrefix(s[i:], q.dollarTag) {
			n := len(q.dollarTag)
			q.quote, q.dollarTag = 0, ""
			return n
		}
		return 1
	}
	c := s[i]
	if q.backslash && c == '\\' && q.quote != '`' && i+1 < len(s) {
		return 2
	}
	if c == q.quote {
		if i+1 < len(s) && s[i+1] == q.quote {
			return 2
		}
		q.quote = 0
	}
	return 1
}

// dollarTag returns the $tag$ opener at the start of s.
func dollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	if s[1] == '$' {
		return "$$", true
	}
	c := s[1]
	if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
		return "", false
	}
	for j := 2; j < len(s); j++ {
		switch {
		case s[j] == '$':
			return s[:j+1], true
		case isWordByte(s[j]):
			continue
		default:
			return "", false
		}
	}
	return "", false
}

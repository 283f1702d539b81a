package sqlmigrate

import (
	"fmt"
	"regexp"
	"strings"
)

const directivePrefix = "migrate:"

// scriptDirectives are the "-- migrate:<name>" comments found in a script.
type scriptDirectives struct {
	noTransaction bool
	class         Class
	classSet      bool
}

// splitStatements splits a SQL script on top-level semicolons. Quoted
// strings, quoted identifiers, dollar-quoted bodies and comments are kept
// intact; "-- migrate:statement-begin" and "-- migrate:statement-end" wrap a
// body that is passed through as a single statement. Fragments that hold
// only comments are dropped.
func splitStatements(src string) ([]string, scriptDirectives, error) {
	var (
		stmts   []string
		dirs    scriptDirectives
		cur     strings.Builder
		hasCode bool
		inBlock bool
	)
	flush := func() {
		s := strings.TrimSpace(cur.String())
		if hasCode && s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
		hasCode = false
	}

	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src)
			} else {
				end += i
			}
			line := src[i:end]
			name, ok := directiveName(line)
			if !ok {
				cur.WriteString(line)
				i = end
				continue
			}
			switch name {
			case "statement-begin":
				if inBlock {
					return nil, dirs, fmt.Errorf("nested migrate:statement-begin")
				}
				flush()
				inBlock = true
			case "statement-end":
				if !inBlock {
					return nil, dirs, fmt.Errorf("migrate:statement-end without statement-begin")
				}
				flush()
				inBlock = false
			case "no-transaction":
				dirs.noTransaction = true
			case "idempotent":
				dirs.class, dirs.classSet = ClassIdempotent, true
			case "one-shot":
				dirs.class, dirs.classSet = ClassOneShot, true
			default:
				return nil, dirs, fmt.Errorf("unknown directive %q", name)
			}
			i = end

		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, dirs, fmt.Errorf("unterminated block comment")
			}
			end = i + 2 + end + 2
			cur.WriteString(src[i:end])
			i = end

		case c == '\'' || c == '"' || c == '`':
			end, err := scanQuoted(src, i)
			if err != nil {
				return nil, dirs, err
			}
			cur.WriteString(src[i:end])
			hasCode = true
			i = end

		case c == '$':
			tag := dollarTag(src, i)
			if tag == "" {
				cur.WriteByte(c)
				hasCode = true
				i++
				continue
			}
			closing := strings.Index(src[i+len(tag):], tag)
			if closing < 0 {
				return nil, dirs, fmt.Errorf("unterminated dollar-quoted string %s", tag)
			}
			end := i + len(tag) + closing + len(tag)
			cur.WriteString(src[i:end])
			hasCode = true
			i = end

		case c == ';' && !inBlock:
			flush()
			i++

		default:
			if !isSpace(c) {
				hasCode = true
			}
			cur.WriteByte(c)
			i++
		}
	}
	if inBlock {
		return nil, dirs, fmt.Errorf("migrate:statement-begin without statement-end")
	}
	flush()
	return stmts, dirs, nil
}

// directiveName returns the directive of a "-- migrate:<name>" line. The
// name must be a single token directly after the colon; any other text
// makes the line an ordinary comment.
func directiveName(line string) (string, bool) {
	body := strings.TrimSpace(strings.TrimPrefix(line, "--"))
	if !strings.HasPrefix(strings.ToLower(body), directivePrefix) {
		return "", false
	}
	name := strings.TrimRight(body[len(directivePrefix):], " \t\r")
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", false
	}
	return strings.ToLower(name), true
}

// scanQuoted returns the index just past the quoted section opening at
// start. A doubled quote character escapes itself.
func scanQuoted(src string, start int) (int, error) {
	q := src[start]
	for i := start + 1; i < len(src); i++ {
		if src[i] != q {
			continue
		}
		if i+1 < len(src) && src[i+1] == q {
			i++
			continue
		}
		return i + 1, nil
	}
	return 0, fmt.Errorf("unterminated %c quoted section", q)
}

// dollarTag returns the PostgreSQL dollar-quote tag ("$$" or "$tag$")
// starting at i, or "" when there is none.
func dollarTag(src string, i int) string {
	if i > 0 && isIdentChar(src[i-1]) {
		return ""
	}
	for j := i + 1; j < len(src); j++ {
		c := src[j]
		if c == '$' {
			return src[i : j+1]
		}
		if !isIdentChar(c) || (j == i+1 && c >= '0' && c <= '9') {
			return ""
		}
	}
	return ""
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

var (
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	stringLitRe    = regexp.MustCompile(`'(?:[^']|'')*'`)
	identRe        = regexp.MustCompile(`[A-Z_][A-Z0-9_$]*(?:\.[A-Z_][A-Z0-9_$]*)*`)
)

// Statements that are harmless to repeat as they stand.
var rerunnablePrefixes = []string{
	"SELECT ", "SET ", "PRAGMA ", "COMMENT ON ", "GRANT ", "REVOKE ",
	"ANALYZE", "VACUUM", "REFRESH MATERIALIZED VIEW ", "CREATE OR REPLACE ",
}

// Markers that make an INSERT a no-op when the row already exists.
var insertGuards = []string{
	"ON CONFLICT", "INSERT IGNORE ", "INSERT OR IGNORE ", "INSERT OR REPLACE ",
	"WHERE NOT EXISTS", "ON DUPLICATE KEY UPDATE",
}

// classifyStatement guesses whether a single statement is guarded against
// re-application.
func classifyStatement(stmt string) Class {
	s := blockCommentRe.ReplaceAllString(stmt, " ")
	s = lineCommentRe.ReplaceAllString(s, " ")
	s = strings.ToUpper(strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " ")))
	if s == "" {
		return ClassIdempotent
	}

	if strings.Contains(s, "IF NOT EXISTS") || strings.Contains(s, "IF EXISTS") {
		return ClassIdempotent
	}
	for _, p := range rerunnablePrefixes {
		if strings.HasPrefix(s, p) {
			return ClassIdempotent
		}
	}
	switch {
	case strings.HasPrefix(s, "UPDATE "):
		if guardedUpdate(s) {
			return ClassIdempotent
		}
	case strings.HasPrefix(s, "DELETE "):
		if strings.Contains(s, " WHERE ") {
			return ClassIdempotent
		}
	case strings.HasPrefix(s, "INSERT "):
		for _, g := range insertGuards {
			if strings.Contains(s, g) {
				return ClassIdempotent
			}
		}
	}
	return ClassOneShot
}

// guardedUpdate reports whether a normalized UPDATE leaves rows that are
// already in the target state untouched: the WHERE clause tests a column the
// SET clause assigns, and no assignment reads the column it writes.
func guardedUpdate(s string) bool {
	s = stringLitRe.ReplaceAllString(s, "''")
	s = strings.NewReplacer(`"`, "", "`", "").Replace(s)
	setAt := strings.Index(s, " SET ")
	if setAt < 0 {
		return false
	}
	rest := s[setAt+len(" SET "):]
	whereAt := strings.Index(rest, " WHERE ")
	if whereAt < 0 {
		return false
	}
	set, where := rest[:whereAt], rest[whereAt+len(" WHERE "):]
	if from := strings.Index(set, " FROM "); from >= 0 {
		set = set[:from]
	}

	whereCols := identifiers(where)
	tested := false
	for _, assignment := range splitTopLevel(set) {
		col, expr, ok := strings.Cut(assignment, "=")
		col = strings.TrimSpace(col)
		if !ok || col == "" || strings.HasPrefix(col, "(") {
			return false
		}
		col = lastSegment(col)
		if identifiers(expr)[col] {
			return false
		}
		if whereCols[col] {
			tested = true
		}
	}
	return tested
}

// identifiers returns the unqualified names referenced in expr.
func identifiers(expr string) map[string]bool {
	names := make(map[string]bool)
	for _, id := range identRe.FindAllString(expr, -1) {
		names[lastSegment(id)] = true
	}
	return names
}

func lastSegment(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// splitTopLevel splits s on commas outside parentheses.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// Package shellenv builds safe shell command strings and merged launch
// environments for sessions.
package shellenv

import "strings"

// SingleQuote wraps s for a POSIX shell single-quoted context. Embedded
// single quotes close the quote, emit an escaped quote, and reopen it.
func SingleQuote(s string) string {
	if s == "" {
		return "''"
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			b.WriteString(`'\''`)
			continue
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('\'')
	return b.String()
}

// DoubleQuoteValue escapes s for substitution inside an existing
// double-quoted shell template. It blocks quote, backslash, dollar and
// backtick injection while leaving the template's own quoting intact.
func DoubleQuoteValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\', '$', '`':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// SanitizeEnvKey converts an arbitrary tag or variable name into an
// uppercase identifier usable as an environment variable key. Runs of
// non-identifier characters collapse to one underscore; a leading digit
// gets an underscore prefix. Returns "" when nothing survives.
func SanitizeEnvKey(raw string) string {
	var b strings.Builder
	lastUnderscore := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			ch -= 'a' - 'A'
			b.WriteByte(ch)
			lastUnderscore = false
		case (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9'):
			b.WriteByte(ch)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	key := strings.Trim(b.String(), "_")
	if key == "" {
		return ""
	}
	if key[0] >= '0' && key[0] <= '9' {
		key = "_" + key
	}
	return key
}

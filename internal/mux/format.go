package mux

import "strings"

// fieldSeparator is the list format delimiter passed to the multiplexer.
// ASCII Unit Separator avoids collision with session names and paths.
const fieldSeparator = "\x1f"

// JoinFormat builds a list format string with the canonical delimiter.
func JoinFormat(fields ...string) string {
	return strings.Join(fields, fieldSeparator)
}

// SplitLine splits one formatted list line into at most maxParts fields.
func SplitLine(line string, maxParts int) []string {
	if maxParts <= 0 {
		return nil
	}
	return strings.SplitN(line, fieldSeparator, maxParts)
}

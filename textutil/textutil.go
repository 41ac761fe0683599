// Package textutil holds small text helpers shared by the prompt builders.
package textutil

import (
	"strings"
	"unicode/utf8"
)

const ellipsis = "..."

// Truncate trims s and shortens it to at most limit characters, ending in
// "..." when it was cut. Cuts fall on rune boundaries.
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep, suffix := limit-len(ellipsis), ellipsis
	if keep <= 0 {
		keep, suffix = limit, ""
	}
	n := 0
	for i := range s {
		if n == keep {
			return s[:i] + suffix
		}
		n++
	}
	return s
}

package search

import (
	"fmt"
	"strings"

	"github.com/m4xw311/hybridshell/textutil"
)

const maxFormatted = 8

// Format renders results as a numbered block for a synthesis prompt.
func Format(results []Result) string {
	if len(results) == 0 {
		return "No search results."
	}
	var b strings.Builder
	for i, r := range results {
		if i == maxFormatted {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, orDefault(r.Title, "Untitled result"))
		if d := r.Domain(); d != "" {
			fmt.Fprintf(&b, "   Domain: %s\n", d)
		}
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   Summary: %s\n", textutil.Truncate(r.Snippet, 400))
		}
		if r.URL != "" {
			fmt.Fprintf(&b, "   Link: %s\n", r.URL)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Dedupe drops results whose URL was already seen, keeping order.
func Dedupe(results []Result) []Result {
	seen := make(map[string]bool, len(results))
	out := results[:0:0]
	for _, r := range results {
		key := r.URL
		if key == "" {
			key = r.Title
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

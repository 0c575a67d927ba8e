// Package sanitize enforces length ceilings on text fields without splitting characters.
package sanitize

import (
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

const (
	// MaxBodyChars is the ceiling applied to message bodies by the parser.
	MaxBodyChars = 10000
	// MaxCellChars stays just under the 50,000 character limit of a spreadsheet cell.
	MaxCellChars = 49990

	TruncatedSuffix = "...[TRUNCATED]"
	EllipsisSuffix  = "..."
)

// Len returns the length of s in code points.
func Len(s string) int {
	return utf8.RuneCountInString(s)
}

// Truncate caps field at maxChars code points. When the field is longer, the longest
// prefix of at most maxChars-len(suffix) code points that ends on a grapheme cluster
// boundary is kept and suffix is appended. Fields at or under the limit are returned
// unchanged, which makes Truncate idempotent.
func Truncate(field string, maxChars int, suffix string) string {
	if maxChars <= 0 {
		return ""
	}
	if Len(field) <= maxChars {
		return field
	}

	suffixLen := Len(suffix)
	if suffixLen >= maxChars {
		return prefix(suffix, maxChars)
	}

	return prefix(field, maxChars-suffixLen) + suffix
}

// Head returns at most n code points of s, cut on a grapheme cluster boundary.
func Head(s string, n int) string {
	if Len(s) <= n {
		return s
	}
	return prefix(s, n)
}

// prefix returns the longest grapheme-aligned prefix of s holding at most budget code points.
func prefix(s string, budget int) string {
	var b strings.Builder
	used := 0
	state := -1
	rest := s
	for len(rest) > 0 {
		var cluster string
		cluster, rest, _, state = uniseg.StepString(rest, state)
		n := utf8.RuneCountInString(cluster)
		if used+n > budget {
			break
		}
		b.WriteString(cluster)
		used += n
	}
	return b.String()
}

// Package text holds small string helpers shared by delivery and persistence.
package text

import "unicode/utf8"

// Truncate cuts s to at most max runes and appends "..." when it had to cut.
// A non-positive max returns s unchanged.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}

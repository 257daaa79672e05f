// Package textutil holds small string helpers shared by the integrations.
package textutil

import "unicode/utf8"

// Truncate returns s cut to at most max bytes. The cut moves back to the
// nearest rune boundary so the result stays valid UTF-8.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Package stringutil provides common string utility functions.
package stringutil

// Truncate shortens s to at most maxLen characters, appending "..." when
// anything was cut. Used to keep raw payloads out of log lines.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

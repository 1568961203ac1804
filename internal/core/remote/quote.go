package remote

import "strings"

// safeChars covers path-like strings that need no quoting; everything else
// gets single-quoted so stored paths can never break out of the command
// they are interpolated into.
func isSafe(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case strings.ContainsRune("._-/:@%+=,", r):
		default:
			return false
		}
	}
	return true
}

// Quote escapes a string for safe use as a single shell word.
func Quote(s string) string {
	if isSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

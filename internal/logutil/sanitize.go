package logutil

import "strings"

// maxLogField bounds user-supplied strings in log lines. Session names and
// token prefixes are short; anything longer is attacker-controlled noise.
const maxLogField = 128

// SanitizeForLog removes newlines and control characters from user-provided
// strings so attackers cannot forge log entries, and truncates overly long
// values.
func SanitizeForLog(s string) string {
	if len(s) > maxLogField {
		s = s[:maxLogField]
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(' ')
		case r < 32:
			// drop other control characters
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

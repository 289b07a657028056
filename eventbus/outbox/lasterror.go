package outbox

import (
	"regexp"
	"strings"
)

// last_error values are stored verbatim in the database and surfaced to
// operators; bound their length and strip credentials from broker URLs
// that leak into error strings.
const maxErrorLength = 512

const errorTruncatedSuffix = "... (truncated)"

var urlCredentialsPattern = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`)

// BoundErrorMessage trims, redacts, and truncates an error message before it
// is persisted in a last_error column.
func BoundErrorMessage(msg string) string {
	redacted := urlCredentialsPattern.ReplaceAllString(strings.TrimSpace(msg), `$1:[REDACTED]@`)

	runes := []rune(redacted)
	if len(runes) <= maxErrorLength {
		return redacted
	}

	suffixRunes := []rune(errorTruncatedSuffix)

	return string(runes[:maxErrorLength-len(suffixRunes)]) + errorTruncatedSuffix
}

// BoundError is BoundErrorMessage for a non-nil error.
func BoundError(err error) string {
	if err == nil {
		return ""
	}

	return BoundErrorMessage(err.Error())
}

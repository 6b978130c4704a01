package outbox

import (
	"regexp"
	"strings"
)

// Error messages persisted to the last_error column are redacted and bounded
// so broker errors cannot leak credentials into storage (CWE-209).
const (
	maxStoredErrorLength = 512
	errorTruncatedSuffix = "... (truncated)"
	redactedValue        = "[REDACTED]"
)

var (
	urlCredentialsPattern = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`)
	secretAssignPattern   = regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`)
)

func sanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessageForStorage(err.Error())
}

// SanitizeErrorMessageForStorage redacts credential-shaped substrings and
// enforces a bounded length.
func SanitizeErrorMessageForStorage(msg string) string {
	redacted := strings.TrimSpace(msg)
	redacted = urlCredentialsPattern.ReplaceAllString(redacted, `$1:`+redactedValue+`@`)
	redacted = secretAssignPattern.ReplaceAllString(redacted, `$1=`+redactedValue)

	return truncateError(redacted, maxStoredErrorLength, errorTruncatedSuffix)
}

func truncateError(msg string, maxRunes int, suffix string) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(suffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffixRunes)]) + suffix
}

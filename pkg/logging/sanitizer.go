package logging

import (
	"regexp"
)

const (
	// MaxMessageLogLength caps free text such as upstream response bodies.
	MaxMessageLogLength = 512
	// RedactedText replaces anything that looks like a credential.
	RedactedText = "[REDACTED]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var (
	// password=..., pwd=..., pass=... up to the next delimiter
	passwordRedaction = redaction{regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`), "${1}=" + RedactedText}

	// user:pass@host in URLs (Postgres DSNs, redis:// URLs)
	userinfoRedaction = redaction{regexp.MustCompile(`://[^:/\s]+:[^@\s]+@`), "://" + RedactedText + "@"}

	// Authorization header values echoed back by the product API
	bearerRedaction = redaction{regexp.MustCompile(`(Bearer|Token)\s+[A-Za-z0-9._~+/=-]+`), "${1} " + RedactedText}

	apiKeyRedaction = redaction{regexp.MustCompile(`(?i)(api[_-]?key|token|key)=[A-Za-z0-9._-]{16,}`), "${1}=" + RedactedText}
)

func scrub(s string, redactions ...redaction) string {
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// SanitizeConnectionString removes credentials from a database or redis URL.
func SanitizeConnectionString(connStr string) string {
	return scrub(connStr, passwordRedaction, userinfoRedaction)
}

// SanitizeError renders err with credentials removed. Database drivers and
// the HTTP client both echo connection details into their errors.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return scrub(err.Error(), passwordRedaction, userinfoRedaction, bearerRedaction, apiKeyRedaction)
}

// SanitizeMessage scrubs and truncates free text.
func SanitizeMessage(msg string) string {
	return TruncateString(scrub(msg, passwordRedaction, bearerRedaction, apiKeyRedaction), MaxMessageLogLength)
}

// TruncateString truncates s to maxLen bytes and appends an ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

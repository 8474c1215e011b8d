package logging

import (
	"regexp"
	"strings"
)

// Field names whose values never reach a log line.
var sensitiveFields = []string{
	"password",
	"passphrase",
	"secret",
	"digest",
	"token",
	"session",
	"authorization",
}

var secretPatterns = []*regexp.Regexp{
	// bcrypt digests
	regexp.MustCompile(`\$2[abxy]?\$\d{2}\$[./A-Za-z0-9]{53}`),
	// key=value and key: value pairs
	regexp.MustCompile(`(?i)(password|secret|token|session)(\s*[=:]\s*)["']?[^\s"'&]+["']?`),
	// --password value
	regexp.MustCompile(`(?i)(--(?:password|secret|token))(\s+|=)\S+`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{16,}`),
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces secrets embedded in free text.
func Redact(s string) string {
	out := secretPatterns[0].ReplaceAllString(s, RedactedValue)
	out = secretPatterns[1].ReplaceAllString(out, "${1}${2}"+RedactedValue)
	out = secretPatterns[2].ReplaceAllString(out, "${1}${2}"+RedactedValue)
	out = secretPatterns[3].ReplaceAllString(out, RedactedValue)
	return out
}

// Token shortens an identifier-like secret to a recognisable prefix.
func Token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return RedactedValue
	}
	return s[:4] + "…"
}

// RedactMap redacts sensitive fields in a map, recursing into nested maps.
func RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case IsSensitiveField(k):
			result[k] = RedactedValue
		default:
			switch val := v.(type) {
			case map[string]any:
				result[k] = RedactMap(val)
			case string:
				result[k] = Redact(val)
			default:
				result[k] = v
			}
		}
	}
	return result
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

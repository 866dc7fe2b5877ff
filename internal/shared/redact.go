package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials that can leak through DSP/MCP descriptors,
// telegram configuration or error strings.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// OpenAI-compatible keys.
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	// Telegram bot tokens: <bot id>:<35 chars>.
	regexp.MustCompile(`\b[0-9]{6,12}:[A-Za-z0-9_\-]{30,}\b`),
}

// Redact replaces secret-bearing substrings with [REDACTED], keeping any
// key-name prefix so the log line stays readable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSensitiveKey reports whether a config or log key names a credential.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization"} {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// RedactValue hides value entirely when key is sensitive.
func RedactValue(key, value string) string {
	if IsSensitiveKey(key) && value != "" {
		return redactedPlaceholder
	}
	return value
}

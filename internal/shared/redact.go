package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// rule pairs a credential pattern with how much of the match survives.
// keepGroup > 0 preserves that submatch (the key name or header prefix)
// and replaces only the credential itself.
type rule struct {
	re        *regexp.Regexp
	keepGroup int
}

// Redaction rules for strings headed to logs, audit entries, or task
// records. Converter subprocesses talk to hosted conversion APIs, and
// their stderr, which becomes the failure message of a failed task, can
// echo the credentials they were called with.
var rules = []rule{
	// key=value assignments: api_key=..., secret_key: "...", bearer=...
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), keepGroup: 1},
	// Authorization header values
	{re: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), keepGroup: 1},
	// vendor-prefixed keys pasted bare into stderr
	{re: regexp.MustCompile(`\bsk[_-][A-Za-z0-9_\-]{16,}`)},
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	// token-shaped UUIDs after an auth-ish key
	{re: regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), keepGroup: 1},
}

// Redact replaces credential-bearing spans with [REDACTED]. Rules that
// carry a recognizable key or header keep it, so operators can still
// tell which credential leaked without seeing its value.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, r := range rules {
		re, keep := r.re, r.keepGroup
		out = re.ReplaceAllStringFunc(out, func(match string) string {
			if keep > 0 {
				if sub := re.FindStringSubmatch(match); len(sub) > keep {
					return sub[keep] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
	}
	return out
}

var sensitiveEnvKeywords = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue hides the value of environment variables whose name
// suggests a credential. Task env dumps in debug logs go through here.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveEnvKeywords {
		if strings.Contains(lower, kw) {
			return redactedPlaceholder
		}
	}
	return value
}

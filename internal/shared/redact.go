package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPattern matches a credential. When keepPrefix is set the first
// submatch is kept and only the value after it is replaced.
type secretPattern struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var secretPatterns = []secretPattern{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|x-goog-api-key)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}`), true},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), true},
	{regexp.MustCompile(`(?i)([?&]key=)[A-Za-z0-9_\-]{16,}`), true},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), false},
	{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`), false},
}

// Redact replaces credentials in provider errors, persisted failure text and
// log attributes with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		if p.keepPrefix {
			out = p.re.ReplaceAllString(out, "${1}"+redactedPlaceholder)
		} else {
			out = p.re.ReplaceAllString(out, redactedPlaceholder)
		}
	}
	return out
}

package safety

import (
	"encoding/json"
	"regexp"
)

const redacted = "[REDACTED]"

// LeakWarning describes a credential found in agent output.
type LeakWarning struct {
	Pattern string
	Sample  string // truncated match, safe to log
}

// LeakDetector finds and removes leaked secrets.
type LeakDetector struct{}

// NewLeakDetector creates a new LeakDetector.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*[A-Za-z0-9_\-./+=]{16,}`), "API key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "Bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	{regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`), "OpenAI or Anthropic API key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*[^\s"]{8,}`), "password"},
}

// Scan reports leaked secrets without modifying the input.
func (d *LeakDetector) Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(text, 3) {
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample(match)})
		}
	}
	return warnings
}

// RedactJSON replaces secrets inside the string values of a JSON document
// and re-encodes it, so the result stays valid JSON. Text that does not
// decode is scanned and returned unchanged.
func (d *LeakDetector) RedactJSON(raw string) (string, []LeakWarning) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return raw, d.Scan(raw)
	}
	var warnings []LeakWarning
	doc = d.walk(doc, &warnings)
	if len(warnings) == 0 {
		return raw, nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return raw, warnings
	}
	return string(out), warnings
}

func (d *LeakDetector) walk(v any, warnings *[]LeakWarning) any {
	switch t := v.(type) {
	case string:
		return d.redactString(t, warnings)
	case []any:
		for i := range t {
			t[i] = d.walk(t[i], warnings)
		}
		return t
	case map[string]any:
		for k, item := range t {
			t[k] = d.walk(item, warnings)
		}
		return t
	}
	return v
}

func (d *LeakDetector) redactString(s string, warnings *[]LeakWarning) string {
	for _, pat := range leakPatterns {
		s = pat.re.ReplaceAllStringFunc(s, func(match string) string {
			*warnings = append(*warnings, LeakWarning{Pattern: pat.desc, Sample: sample(match)})
			return redacted
		})
	}
	return s
}

func sample(match string) string {
	if len(match) > 8 {
		return match[:6] + "..."
	}
	return "..."
}

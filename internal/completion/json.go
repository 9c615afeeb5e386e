package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ExtractJSON returns the first JSON object or array in text. Fenced blocks
// (```json or bare ```) are preferred over inline JSON. It returns "" when
// no valid JSON is present.
func ExtractJSON(text string) string {
	if body, ok := fenced(text, "```json"); ok && isJSON(body) {
		return body
	}
	if body, ok := fenced(text, "```"); ok && isJSON(body) {
		return body
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		if candidate := balanced(text[i:]); candidate != "" && isJSON(candidate) {
			return candidate
		}
	}
	return ""
}

func fenced(text, opener string) (string, bool) {
	idx := strings.Index(text, opener)
	if idx < 0 {
		return "", false
	}
	start := idx + len(opener)
	if nl := strings.IndexByte(text[start:], '\n'); nl >= 0 && strings.TrimSpace(text[start:start+nl]) == "" {
		start += nl + 1
	}
	end := strings.Index(text[start:], "```")
	if end < 0 {
		return "", false
	}
	body := strings.TrimSpace(text[start : start+end])
	return body, body != ""
}

func isJSON(s string) bool {
	return json.Valid([]byte(s))
}

// balanced returns the prefix of s forming one bracket-balanced JSON value,
// honoring string literals and escapes.
func balanced(s string) string {
	var closer byte
	switch s[0] {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return ""
	}
	opener := s[0]
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == opener:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// Schema validates structured completion output.
type Schema struct {
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema document.
func CompileSchema(schemaJSON string) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{schema: schema}, nil
}

// MustCompileSchema is CompileSchema for package-level schema literals.
func MustCompileSchema(schemaJSON string) *Schema {
	s, err := CompileSchema(schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode extracts JSON from text, validates it and unmarshals it into v.
// A nil Schema skips validation. Failures are *ParseError.
func (s *Schema) Decode(text string, v any) (string, error) {
	raw := ExtractJSON(text)
	if raw == "" {
		return "", &ParseError{Raw: text, Err: errors.New("no JSON found in output")}
	}
	if s != nil {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return "", &ParseError{Raw: text, Err: fmt.Errorf("invalid JSON: %w", err)}
		}
		if err := s.schema.Validate(parsed); err != nil {
			return "", &ParseError{Raw: text, Err: fmt.Errorf("schema validation failed: %w", err)}
		}
	}
	if v != nil {
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return "", &ParseError{Raw: text, Err: err}
		}
	}
	return raw, nil
}

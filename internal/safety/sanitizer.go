// Package safety screens material handed to agents for prompt injection and
// scrubs leaked credentials out of agent output.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action indicates the recommended response to a screened input.
type Action int

const (
	// ActionAllow means the input is safe.
	ActionAllow Action = iota
	// ActionWarn means a suspicious marker was found but the input may proceed.
	ActionWarn
	// ActionBlock means the input must not reach a model.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	}
	return "allow"
}

// CheckResult is the outcome of screening one or more fields.
type CheckResult struct {
	Action Action
	Field  string
	Reason string
}

// Err returns a non-nil error when the result blocks the input.
func (r CheckResult) Err() error {
	if r.Action != ActionBlock {
		return nil
	}
	if r.Field != "" {
		return fmt.Errorf("%s rejected: %s", r.Field, r.Reason)
	}
	return fmt.Errorf("input rejected: %s", r.Reason)
}

// Sanitizer detects prompt injection in text that is pasted into prompts.
type Sanitizer struct{}

// NewSanitizer creates a new Sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

type injectionPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var injectionPatterns = []injectionPattern{
	{
		re:     regexp.MustCompile(`(?i)\b(ignore|disregard)\s+(all\s+)?(the\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`),
		action: ActionBlock,
		reason: "role manipulation: ignore previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`),
		action: ActionBlock,
		reason: "role manipulation: identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: ActionBlock,
		reason: "role manipulation: system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\bforget\s+(everything|all|your)\b`),
		action: ActionBlock,
		reason: "role manipulation: memory wipe",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`),
		action: ActionBlock,
		reason: "prompt leaking: system prompt extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\bwhat\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?)\b`),
		action: ActionBlock,
		reason: "prompt leaking: system prompt query",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: ActionWarn,
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "injection marker: chat template tag",
	},
	{
		re:     regexp.MustCompile(`(aWdub3Jl|SWdub3Jl)`), // base64 "ignore"/"Ignore"
		action: ActionWarn,
		reason: "potential encoded injection",
	},
}

// Check screens a single piece of text. Blocking patterns win over warnings.
func (s *Sanitizer) Check(input string) CheckResult {
	if strings.TrimSpace(input) == "" {
		return CheckResult{Action: ActionAllow}
	}
	res := CheckResult{Action: ActionAllow}
	for _, pat := range injectionPatterns {
		if pat.action > res.Action && pat.re.MatchString(input) {
			res = CheckResult{Action: pat.action, Reason: pat.reason}
			if res.Action == ActionBlock {
				break
			}
		}
	}
	return res
}

// Screen checks named fields in order and returns the most severe result,
// tagged with the field it came from.
func (s *Sanitizer) Screen(fields ...Field) CheckResult {
	worst := CheckResult{Action: ActionAllow}
	for _, f := range fields {
		res := s.Check(f.Text)
		if res.Action > worst.Action {
			res.Field = f.Name
			worst = res
			if worst.Action == ActionBlock {
				break
			}
		}
	}
	return worst
}

// Field is one named piece of text to screen.
type Field struct {
	Name string
	Text string
}

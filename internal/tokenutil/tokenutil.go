package tokenutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

const truncationMarker = "\n[truncated]"

// Truncate shortens content to roughly budget tokens, cutting at a word
// boundary and appending a marker. It reports whether anything was cut.
// A budget of zero or less disables truncation.
func Truncate(content string, budget int) (string, bool) {
	if budget <= 0 || EstimateTokens(content) <= budget {
		return content, false
	}
	lo, hi := 0, len(content)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if EstimateTokens(content[:mid]) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	for lo > 0 && lo < len(content) && !utf8.RuneStart(content[lo]) {
		lo--
	}
	cut := content[:lo]
	if i := strings.LastIndexAny(cut, " \t\n"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRightFunc(cut, unicode.IsSpace) + truncationMarker, true
}

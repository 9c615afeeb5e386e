// Package pricing estimates the USD cost of completion calls.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// List prices by bare model id. Local models cost nothing.
var knownModels = map[string]ModelPricing{
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-pro":        {1.25, 10.00},
	"claude-sonnet-4-5":     {3.00, 15.00},
	"claude-haiku-4-5":      {1.00, 5.00},
	"gpt-4o":                {2.50, 10.00},
	"gpt-4o-mini":           {0.15, 0.60},
}

// Lookup returns the price of model. Provider prefixes such as
// "googleai/" are ignored; "ollama/" models are free.
func Lookup(model string) (ModelPricing, bool) {
	provider, bare, found := strings.Cut(model, "/")
	if !found {
		bare = provider
		provider = ""
	}
	if provider == "ollama" {
		return ModelPricing{}, true
	}
	p, ok := knownModels[strings.ToLower(bare)]
	return p, ok
}

// EstimateCost returns the estimated USD cost for the given token counts,
// or 0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

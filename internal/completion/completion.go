// Package completion talks to text-completion backends. Callers see one
// request/response shape regardless of provider, and two failure kinds:
// TransportError (could not get text) and ParseError (got unusable text).
package completion

import (
	"context"
	"os"
	"strings"
)

// Request is one completion call.
type Request struct {
	// Model is a provider-qualified name such as "googleai/gemini-2.5-flash".
	// Empty selects the client's default model.
	Model       string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

type Response struct {
	Text  string
	Model string
	// Token counts as reported by the backend; zero when unknown.
	InputTokens  int
	OutputTokens int
}

// Completer produces generated text for a prompt.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (Response, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Fallback answers every request with a fixed JSON notice. It keeps the
// pipeline runnable when no provider credentials are configured.
type Fallback struct{}

func (Fallback) Complete(_ context.Context, req Request) (Response, error) {
	return Response{
		Text:  `{"summary":"No language model is configured; this section was not generated."}`,
		Model: "fallback",
	}, nil
}

// ModelName qualifies a bare model id with the provider's genkit prefix.
func ModelName(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "ollama":
		return model
	default:
		return "googleai/" + model
	}
}

// DefaultModel is the model used when the configuration names none.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "ollama":
		return "llama3.1"
	default:
		return "gemini-2.5-flash"
	}
}

// EnvAPIKey returns the conventional environment API key for a provider.
func EnvAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "ollama":
		return ""
	default:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

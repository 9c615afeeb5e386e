package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelPkg "github.com/basket/go-council/internal/otel"
)

// ErrNoAPIKey is returned when a hosted provider has no credentials.
var ErrNoAPIKey = errors.New("completion: provider API key not configured")

// GenkitConfig selects a genkit provider plugin.
type GenkitConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	CompatProvider string
	Timeout        time.Duration

	Logger  *slog.Logger
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer
}

// GenkitClient generates text through a genkit plugin.
type GenkitClient struct {
	g        *genkit.Genkit
	provider string
	model    string
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	tracer   trace.Tracer
}

// NewGenkitClient initializes genkit with the plugin for cfg.Provider.
// It fails with ErrNoAPIKey when no key is configured or found in the
// environment.
func NewGenkitClient(ctx context.Context, cfg GenkitConfig) (*GenkitClient, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = EnvAPIKey(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoAPIKey)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "openai_compatible":
		if cfg.CompatProvider == "" || cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai_compatible requires compat_provider and base_url")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(ModelName(provider, cfg.Model)),
		)
	default:
		return nil, fmt.Errorf("unknown completion provider %q", provider)
	}

	c := &GenkitClient{
		g:        g,
		provider: provider,
		model:    ModelName(provider, cfg.Model),
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
	if provider == "openai_compatible" {
		c.model = cfg.CompatProvider + "/" + ModelName(provider, cfg.Model)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = otelPkg.NoopMetrics()
	}
	if c.tracer == nil {
		c.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	c.logger.Info("completion client initialized", "provider", provider, "model", c.model)
	return c, nil
}

// Complete runs one generation. Every backend failure is a *TransportError.
func (c *GenkitClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "completion.generate", otelPkg.AttrModel.String(model))
	defer span.End()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(model),
		ai.WithPrompt(req.Prompt),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		opts = append(opts, ai.WithConfig(&ai.GenerationCommonConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}))
	}

	start := time.Now()
	resp, err := genkit.Generate(ctx, c.g, opts...)
	c.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(otelPkg.AttrModel.String(model)))
	if err != nil {
		terr := &TransportError{Op: "genkit generate " + model, Err: err}
		class := ClassifyError(terr)
		c.metrics.LLMErrors.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrErrorClass.String(string(class))))
		otelPkg.RecordError(span, terr)
		c.logger.WarnContext(ctx, "completion failed", "model", model, "class", class, "error", err)
		return Response{}, terr
	}
	out := Response{Text: resp.Text(), Model: model}
	if resp.Usage != nil {
		out.InputTokens, out.OutputTokens = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	recordUsage(ctx, c.metrics, out)
	return out, nil
}

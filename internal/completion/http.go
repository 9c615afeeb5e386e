package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	otelPkg "github.com/basket/go-council/internal/otel"
)

// HTTPClient calls an Ollama-compatible /api/generate endpoint.
type HTTPClient struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
	metrics *otelPkg.Metrics
}

// NewHTTPClient returns a client for baseURL (for example
// http://localhost:11434). A trailing /v1 is stripped.
func NewHTTPClient(baseURL, model string, timeout time.Duration, logger *slog.Logger, metrics *otelPkg.Metrics) *HTTPClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	return &HTTPClient{
		baseURL: baseURL,
		model:   strings.TrimPrefix(model, "ollama/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: metrics,
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// Complete posts one non-streaming generate request.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := strings.TrimPrefix(req.Model, "ollama/")
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: req.Prompt,
		System: req.System,
		Options: generateOptions{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("encode generate request: %w", err)
	}

	start := time.Now()
	resp, err := c.do(ctx, body)
	c.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(otelPkg.AttrModel.String(model)))
	if err != nil {
		c.metrics.LLMErrors.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrErrorClass.String(string(ClassifyError(err)))))
		c.logger.WarnContext(ctx, "completion failed", "model", model, "error", err)
		return Response{}, err
	}
	out := Response{Text: resp.Response, Model: "ollama/" + model, InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}
	recordUsage(ctx, c.metrics, out)
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, body []byte) (generateResponse, error) {
	const op = "POST /api/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return generateResponse{}, &TransportError{Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return generateResponse{}, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return generateResponse{}, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return generateResponse{}, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(raw)))}
	}
	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return generateResponse{}, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	if out.Error != "" {
		return generateResponse{}, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(out.Error)}
	}
	return out, nil
}

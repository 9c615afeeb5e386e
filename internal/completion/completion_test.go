package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"json fence", "Here you go:\n```json\n{\"a\":1}\n```\nthanks", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"inline", `prefix {"a":{"b":"}"}} suffix`, `{"a":{"b":"}"}}`},
		{"invalid fence falls back to inline", "```json\nnot json\n``` then {\"ok\":true}", `{"ok":true}`},
		{"none", "no structure here", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractJSON(tc.in); got != tc.want {
				t.Fatalf("ExtractJSON = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSchemaDecode(t *testing.T) {
	s := MustCompileSchema(`{"type":"object","required":["summary"],"properties":{"summary":{"type":"string"}}}`)

	var out struct {
		Summary string `json:"summary"`
	}
	if _, err := s.Decode("```json\n{\"summary\":\"ok\"}\n```", &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Summary != "ok" {
		t.Fatalf("unexpected summary %q", out.Summary)
	}

	var pe *ParseError
	if _, err := s.Decode(`{"other":1}`, nil); !errors.As(err, &pe) {
		t.Fatalf("expected ParseError for schema violation, got %v", err)
	}
	if _, err := s.Decode("plain prose", nil); !errors.As(err, &pe) {
		t.Fatalf("expected ParseError for missing JSON, got %v", err)
	}
}

func TestClassifyErrorAndRetryable(t *testing.T) {
	tests := []struct {
		err       error
		class     ErrorClass
		retryable bool
	}{
		{&TransportError{Op: "x", StatusCode: 401, Err: errors.New("nope")}, ErrorClassAuth, false},
		{&TransportError{Op: "x", StatusCode: 429, Err: errors.New("slow down")}, ErrorClassRateLimit, true},
		{&TransportError{Op: "x", Err: context.DeadlineExceeded}, ErrorClassTimeout, true},
		{&TransportError{Op: "x", StatusCode: 500, Err: errors.New("boom")}, ErrorClassUnknown, true},
		{&ParseError{Err: errors.New("bad")}, ErrorClassParse, true},
		{errors.New("plain failure"), ErrorClassUnknown, false},
		{context.Canceled, ErrorClassUnknown, false},
	}
	for _, tc := range tests {
		if got := ClassifyError(tc.err); got != tc.class {
			t.Fatalf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.class)
		}
		if got := Retryable(tc.err); got != tc.retryable {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.retryable)
		}
	}
}

func TestHTTPClient_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Stream || req.Model != "llama3.1" || req.Options.NumPredict != 64 {
			http.Error(w, fmt.Sprintf("unexpected request %+v", req), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "echo: " + req.Prompt, PromptEvalCount: 12, EvalCount: 3})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/v1", "ollama/llama3.1", time.Second, nil, nil)
	resp, err := c.Complete(context.Background(), Request{Prompt: "hi", MaxTokens: 64})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text != "echo: hi" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Model != "ollama/llama3.1" || resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Fatalf("unexpected usage %+v", resp)
	}
}

func TestHTTPClient_NonSuccessIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "llama3.1", time.Second, nil, nil)
	_, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", te.StatusCode)
	}
}

func TestRetrying_BoundsAttempts(t *testing.T) {
	calls := 0
	flaky := CompleterFunc(func(context.Context, Request) (Response, error) {
		calls++
		if calls < 3 {
			return Response{}, &TransportError{Op: "x", StatusCode: 502, Err: errors.New("bad gateway")}
		}
		return Response{Text: "ok"}, nil
	})
	r := NewRetrying(flaky, 3, time.Millisecond, nil)
	resp, err := r.Complete(context.Background(), Request{})
	if err != nil || resp.Text != "ok" {
		t.Fatalf("expected success on third attempt, got %q %v", resp.Text, err)
	}

	calls = 0
	r = NewRetrying(flaky, 2, time.Millisecond, nil)
	if _, err := r.Complete(context.Background(), Request{}); err == nil {
		t.Fatal("expected failure after two attempts")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetrying_DoesNotRetryAuth(t *testing.T) {
	calls := 0
	denied := CompleterFunc(func(context.Context, Request) (Response, error) {
		calls++
		return Response{}, &TransportError{Op: "x", StatusCode: 401, Err: errors.New("invalid api key")}
	})
	if _, err := NewRetrying(denied, 5, time.Millisecond, nil).Complete(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("auth failures must not be retried, got %d calls", calls)
	}
}

func TestCompleteStructured_RetriesParseFailures(t *testing.T) {
	calls := 0
	c := CompleterFunc(func(context.Context, Request) (Response, error) {
		calls++
		if calls == 1 {
			return Response{Text: "sorry, no json"}, nil
		}
		return Response{Text: `{"summary":"fine"}`}, nil
	})
	var out map[string]string
	err := CompleteStructured(context.Background(), c, Request{}, 3, func(text string) error {
		_, err := (*Schema)(nil).Decode(text, &out)
		return err
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 || out["summary"] != "fine" {
		t.Fatalf("unexpected result: calls=%d out=%v", calls, out)
	}

	calls = 0
	err = CompleteStructured(context.Background(), CompleterFunc(func(context.Context, Request) (Response, error) {
		calls++
		return Response{Text: "never json"}, nil
	}), Request{}, 2, func(text string) error {
		_, err := (*Schema)(nil).Decode(text, nil)
		return err
	})
	var pe *ParseError
	if !errors.As(err, &pe) || calls != 2 {
		t.Fatalf("expected ParseError after 2 calls, got %v (calls=%d)", err, calls)
	}
}

func TestModelName(t *testing.T) {
	if got := ModelName("google", "gemini-2.5-pro"); got != "googleai/gemini-2.5-pro" {
		t.Fatalf("got %q", got)
	}
	if got := ModelName("anthropic", ""); got != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("got %q", got)
	}
}

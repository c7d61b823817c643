package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestOpenAIGenerate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req oaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system+user messages, got %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(oaResponse{
			Model: req.Model,
			Choices: []struct {
				Message oaMessage `json:"message"`
			}{{Message: oaMessage{Role: "assistant", Content: `{"ok":true}`}}},
		})
	}))
	defer ts.Close()

	p := NewOpenAIProvider(Config{ID: "oa", Endpoint: ts.URL}, zap.NewNop())
	resp, err := p.Generate(context.Background(), &GenerateRequest{
		Model: "llama2", System: "sys", Prompt: "hi",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != `{"ok":true}` {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestOpenAIRateLimitCarriesRetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer ts.Close()

	p := NewOpenAIProvider(Config{ID: "oa", Endpoint: ts.URL}, zap.NewNop())
	_, err := p.Generate(context.Background(), &GenerateRequest{Model: "m", Prompt: "x"})
	ce, ok := AsCallError(err)
	if !ok {
		t.Fatalf("expected CallError, got %v", err)
	}
	if ce.Kind != FailureRateLimited {
		t.Errorf("kind = %s", ce.Kind)
	}
	if ce.RetryAfter != 5*time.Second {
		t.Errorf("retry_after = %v", ce.RetryAfter)
	}
}

func TestGeminiServerErrorIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	p := NewGeminiProvider(Config{ID: "gm", Endpoint: ts.URL}, zap.NewNop())
	_, err := p.Generate(context.Background(), &GenerateRequest{Model: "gemini-2.5-flash-lite", Prompt: "x"})
	ce, ok := AsCallError(err)
	if !ok || ce.Kind != FailureUnavailable {
		t.Fatalf("expected unavailable CallError, got %v", err)
	}
}

type staticProvider struct {
	id      string
	content string
	err     error
	calls   int
}

func (s *staticProvider) ID() string   { return s.id }
func (s *staticProvider) Name() string { return s.id }
func (s *staticProvider) Generate(_ context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &GenerateResponse{Model: req.Model, Content: s.content}, nil
}

func TestRouterBindingAndFallback(t *testing.T) {
	logger := zap.NewNop()
	r := NewRouter(logger)
	broken := &staticProvider{id: "broken", err: &CallError{Kind: FailureTransport, Err: fmt.Errorf("boom")}}
	good := &staticProvider{id: "good", content: "hello"}
	r.Register(broken)
	r.Register(good)
	r.Bind("model-a", "broken")
	r.SetFallbacks([]string{"good"})

	resp, err := r.Generate(context.Background(), &GenerateRequest{Model: "model-a", Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "hello" || good.calls != 1 {
		t.Errorf("fallback not used: %+v calls=%d", resp, good.calls)
	}
}

func TestRouterDoesNotFallBackOnTransient(t *testing.T) {
	r := NewRouter(zap.NewNop())
	limited := &staticProvider{id: "limited", err: &CallError{Kind: FailureRateLimited, RetryAfter: time.Second}}
	spare := &staticProvider{id: "spare", content: "hi"}
	r.Register(limited)
	r.Register(spare)
	r.SetFallbacks([]string{"spare"})

	_, err := r.Generate(context.Background(), &GenerateRequest{Model: "m", Prompt: "x"})
	ce, ok := AsCallError(err)
	if !ok || ce.Kind != FailureRateLimited {
		t.Fatalf("expected rate-limit error to surface, got %v", err)
	}
	if spare.calls != 0 {
		t.Errorf("transient failure must not hit fallbacks, calls=%d", spare.calls)
	}
}

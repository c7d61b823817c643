// Package provider is the capability boundary to the model service: a
// single logical Generate operation over interchangeable transports.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Provider generates structured text for a prompt.
type Provider interface {
	ID() string
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// GenerateRequest is a single generation call.
type GenerateRequest struct {
	Model       string  `json:"model"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// GenerateResponse is the raw text reply plus accounting.
type GenerateResponse struct {
	Model   string `json:"model"`
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config holds settings for a provider instance.
type Config struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Name     string        `json:"name"`
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Timeout  time.Duration `json:"-"`
}

// FailureKind classifies a failed call for the retry layer.
type FailureKind string

const (
	FailureRateLimited FailureKind = "rate_limited"
	FailureUnavailable FailureKind = "unavailable"
	FailureTimeout     FailureKind = "timeout"
	FailureTransport   FailureKind = "transport"
)

// CallError is a transport-level failure. RetryAfter is the service's
// suggested delay, zero when the service gave none.
type CallError struct {
	Kind       FailureKind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s call failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s call failure (status %d)", e.Kind, e.Status)
}

func (e *CallError) Unwrap() error { return e.Err }

// AsCallError unwraps err into a CallError, if it is one.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// classify maps an HTTP failure status to a CallError, reading the
// Retry-After header when present.
func classify(status int, header http.Header, body string) *CallError {
	ce := &CallError{
		Kind:   FailureTransport,
		Status: status,
		Err:    fmt.Errorf("API error %d: %s", status, body),
	}
	switch {
	case status == http.StatusTooManyRequests:
		ce.Kind = FailureRateLimited
	case status >= 500:
		ce.Kind = FailureUnavailable
	}
	if ra := header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			ce.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return ce
}

// wrapTransport converts a raw transport error, recognizing deadline
// expiry as a timeout.
func wrapTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &CallError{Kind: FailureTimeout, Err: err}
	}
	if ctx.Err() == context.Canceled {
		return err
	}
	return &CallError{Kind: FailureTransport, Err: err}
}

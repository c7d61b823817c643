// Package llm is the sole channel through which stages obtain
// model-generated structured output. It owns admission control, retry
// with backoff, per-tick deduplication, and schema validation.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nidhogg/driftville/internal/provider"
	"github.com/nidhogg/driftville/internal/stage"
	"go.uber.org/zap"
)

// ErrBudgetExhausted marks an invocation whose retry budget ran out. The
// pipeline converts it into degraded-terminal handling; it is never
// swallowed.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Generator is the upstream capability the client wraps. *provider.Router
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, req *provider.GenerateRequest) (*provider.GenerateResponse, error)
}

// Params are the generation parameters that, together with the prompt and
// stage kind, identify a call for deduplication.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Request is one structured-generation invocation.
type Request struct {
	Stage  stage.Kind
	System string
	Prompt string
	Params Params
}

// Outcome classifies a single attempt for the audit trail.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
)

// Attempt records one try at the upstream service. The pipeline appends
// exactly one event-log entry per attempt.
type Attempt struct {
	Number    int
	Outcome   Outcome
	Raw       string
	Err       string
	Cached    bool
	StartedAt time.Time
	Duration  time.Duration
}

// Result is the outcome of an invocation, success or not. Attempts is
// always populated so failed invocations still reach the audit trail.
type Result struct {
	Output   *stage.Output
	Raw      string
	Attempts []Attempt
	Cached   bool
}

// Scope is a per-persona-per-tick dedup cache. Identical requests within
// one scope return the cached output without reaching the service; the
// scope is discarded at the tick boundary.
type Scope struct {
	mu    sync.Mutex
	cache map[string]*Result
}

// Config controls the client.
type Config struct {
	ConcurrencyLimit int
	Retry            RetryPolicy
}

// Client is the rate-limited, retrying wrapper around the generate
// capability. The semaphore is the one resource shared across all
// personas; it bounds in-flight calls regardless of how many personas run
// in parallel.
type Client struct {
	gen    Generator
	sem    chan struct{}
	retry  RetryPolicy
	calls  atomic.Int64
	now    func() time.Time
	logger *zap.Logger
}

// NewClient creates a client with the given admission bound and retry
// policy.
func NewClient(gen Generator, cfg Config, logger *zap.Logger) *Client {
	limit := cfg.ConcurrencyLimit
	if limit <= 0 {
		limit = 4
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Client{
		gen:    gen,
		sem:    make(chan struct{}, limit),
		retry:  retry,
		now:    time.Now,
		logger: logger,
	}
}

// NewScope starts a fresh dedup scope for one persona-tick.
func (c *Client) NewScope() *Scope {
	return &Scope{cache: make(map[string]*Result)}
}

// Calls reports how many calls actually reached the upstream service.
func (c *Client) Calls() int64 { return c.calls.Load() }

func dedupKey(req *Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%g\x00%d",
		req.Stage, req.System, req.Prompt,
		req.Params.Model, req.Params.Temperature, req.Params.MaxTokens)
	return hex.EncodeToString(h.Sum(nil))
}

// Invoke runs one structured-generation call under the global admission
// bound, retrying transient and schema failures within the attempt
// budget. The returned Result is non-nil even on error so every attempt
// can be logged.
func (c *Client) Invoke(ctx context.Context, scope *Scope, req *Request) (*Result, error) {
	key := dedupKey(req)
	if scope != nil {
		scope.mu.Lock()
		if hit, ok := scope.cache[key]; ok {
			scope.mu.Unlock()
			res := &Result{
				Output: hit.Output,
				Raw:    hit.Raw,
				Cached: true,
				Attempts: []Attempt{{
					Number:    1,
					Outcome:   OutcomeOK,
					Raw:       hit.Raw,
					Cached:    true,
					StartedAt: c.now(),
				}},
			}
			return res, nil
		}
		scope.mu.Unlock()
	}

	res := &Result{}
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		started := c.now()

		if err := c.acquire(ctx); err != nil {
			res.Attempts = append(res.Attempts, Attempt{
				Number: attempt, Outcome: OutcomeFailed,
				Err: err.Error(), StartedAt: started,
			})
			return res, err
		}
		resp, err := c.gen.Generate(ctx, &provider.GenerateRequest{
			Model:       req.Params.Model,
			System:      req.System,
			Prompt:      req.Prompt,
			Temperature: req.Params.Temperature,
			MaxTokens:   req.Params.MaxTokens,
		})
		c.release()
		c.calls.Add(1)

		var raw string
		if err == nil {
			raw = resp.Content
			out, decodeErr := stage.Decode(req.Stage, raw)
			if decodeErr == nil {
				res.Attempts = append(res.Attempts, Attempt{
					Number: attempt, Outcome: OutcomeOK, Raw: raw,
					StartedAt: started, Duration: c.now().Sub(started),
				})
				res.Output = out
				res.Raw = raw
				if scope != nil {
					scope.mu.Lock()
					scope.cache[key] = res
					scope.mu.Unlock()
				}
				return res, nil
			}
			// Malformed structured response: retryable, shares the
			// transport attempt budget.
			err = decodeErr
		}
		lastErr = err

		if ctx.Err() != nil {
			res.Attempts = append(res.Attempts, Attempt{
				Number: attempt, Outcome: OutcomeFailed, Raw: raw,
				Err: err.Error(), StartedAt: started, Duration: c.now().Sub(started),
			})
			return res, ctx.Err()
		}

		outcome := OutcomeRetried
		if attempt == c.retry.MaxAttempts {
			outcome = OutcomeFailed
		}
		res.Attempts = append(res.Attempts, Attempt{
			Number: attempt, Outcome: outcome, Raw: raw,
			Err: err.Error(), StartedAt: started, Duration: c.now().Sub(started),
		})
		c.logger.Warn("external call attempt failed",
			zap.String("stage", string(req.Stage)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == c.retry.MaxAttempts {
			break
		}
		var retryAfter time.Duration
		if ce, ok := provider.AsCallError(err); ok {
			retryAfter = ce.RetryAfter
		}
		if werr := c.retry.Wait(ctx, attempt, retryAfter); werr != nil {
			// Cancelled mid-backoff: the retry this attempt promised
			// never runs, so the trail must not claim one.
			res.Attempts[len(res.Attempts)-1].Outcome = OutcomeFailed
			return res, werr
		}
	}
	return res, fmt.Errorf("%s stage after %d attempts: %w (last: %v)",
		req.Stage, c.retry.MaxAttempts, ErrBudgetExhausted, lastErr)
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.sem }

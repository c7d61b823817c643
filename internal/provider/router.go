package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router manages registered providers and routes Generate calls by model
// binding, with an optional fallback chain.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string // modelID -> providerID
	fallbacks []string
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		logger:    logger,
	}
}

// Register adds a provider. The first registered provider becomes the
// default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// Bind routes a model id to a specific provider.
func (r *Router) Bind(modelID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[modelID] = providerID
}

// SetFallbacks configures the provider chain tried after the primary fails
// with a non-transient error.
func (r *Router) SetFallbacks(providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = providerIDs
}

// Generate routes the request to the provider bound to its model.
// Transient failures are returned to the caller untouched so the retry
// layer can back off; only hard failures try the fallback chain.
func (r *Router) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	r.mu.RLock()
	primary := r.providerFor(req.Model)
	fallbacks := r.fallbacks
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider available for model %s", req.Model)
	}

	resp, err := primary.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ce, ok := AsCallError(err); ok {
		switch ce.Kind {
		case FailureRateLimited, FailureUnavailable, FailureTimeout:
			return nil, err
		}
	} else {
		return nil, err
	}

	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("provider", primary.ID()), zap.Error(err))
	for _, fbID := range fallbacks {
		r.mu.RLock()
		fb, ok := r.providers[fbID]
		r.mu.RUnlock()
		if !ok || fb == primary {
			continue
		}
		resp, err = fb.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fbID), zap.Error(err))
	}
	return nil, err
}

func (r *Router) providerFor(modelID string) Provider {
	if pid, ok := r.bindings[modelID]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

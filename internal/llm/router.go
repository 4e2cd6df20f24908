package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Router selects a provider by model id ("provider/model") and walks a
// fallback chain when the primary endpoint fails.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	models    map[string]Provider
	usage     map[string]*Usage
	logger    *slog.Logger
}

// Usage tracks per-model token consumption.
type Usage struct {
	Requests  int64 `json:"requests"`
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		providers: make(map[string]Provider),
		models:    make(map[string]Provider),
		usage:     make(map[string]*Usage),
		logger:    logger.With("component", "model_router"),
	}
}

// Register adds a provider and indexes its models under
// "provider/model" ids.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	r.providers[name] = p
	for _, model := range p.Models() {
		fullID := fmt.Sprintf("%s/%s", name, model)
		r.models[fullID] = p
		r.logger.Info("model registered", "id", fullID)
	}
}

// ListModels returns the registered model ids, sorted.
func (r *Router) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for id := range r.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Chat routes one request to modelID, walking the fallback chain in order
// when the primary fails.
func (r *Router) Chat(ctx context.Context, modelID string, req Request, fallback []string) (*Response, error) {
	resp, err := r.chatSingle(ctx, modelID, req)
	if err == nil {
		return resp, nil
	}

	r.logger.Warn("primary model failed, trying fallback",
		"primary", modelID, "error", err, "fallbacks", len(fallback))

	for i, fbModel := range fallback {
		r.logger.Info("trying fallback", "model", fbModel, "attempt", i+1)
		resp, fbErr := r.chatSingle(ctx, fbModel, req)
		if fbErr == nil {
			return resp, nil
		}
		r.logger.Warn("fallback failed", "model", fbModel, "error", fbErr)
	}
	return nil, fmt.Errorf("all models failed, primary error: %w", err)
}

func (r *Router) chatSingle(ctx context.Context, modelID string, req Request) (*Response, error) {
	provider, model, err := r.resolve(modelID)
	if err != nil {
		return nil, err
	}
	req.Model = model

	resp, err := provider.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat error: %w", err)
	}
	r.trackUsage(modelID, resp)
	return resp, nil
}

// resolve splits "provider/model" and looks the provider up.
func (r *Router) resolve(modelID string) (Provider, string, error) {
	parts := strings.SplitN(modelID, "/", 2)
	if len(parts) != 2 {
		return nil, "", fmt.Errorf("invalid model id format (expected provider/model): %s", modelID)
	}

	r.mu.RLock()
	provider, ok := r.providers[parts[0]]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("provider not found: %s", parts[0])
	}
	return provider, parts[1], nil
}

func (r *Router) trackUsage(modelID string, resp *Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.usage[modelID]
	if !ok {
		u = &Usage{}
		r.usage[modelID] = u
	}
	u.Requests++
	u.TokensIn += int64(resp.TokensInput)
	u.TokensOut += int64(resp.TokensOutput)
}

// UsageFor returns a copy of the usage counters for one model.
func (r *Router) UsageFor(modelID string) Usage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.usage[modelID]; ok {
		return *u
	}
	return Usage{}
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
)

var _ adapter.AIServiceAdapter = (*Router)(nil)

// modelFamilies maps model name prefixes to the provider that serves them.
var modelFamilies = []struct{ prefix, provider string }{
	{"gemini", "gemini"},
	{"models/gemini", "gemini"},
	{"gpt", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
}

// Router sends each call to the provider serving the requested model: an explicit
// route first, then the model family, then the fallback provider.
type Router struct {
	fallback  string
	providers map[string]adapter.AIServiceAdapter
	routes    map[string]string
}

// NewRouter rejects a fallback or route naming a provider that is not configured.
func NewRouter(fallback string, providers map[string]adapter.AIServiceAdapter, routes map[string]string) (*Router, error) {
	fallback = strings.ToLower(fallback)
	if providers[fallback] == nil {
		return nil, fmt.Errorf("fallback provider %q not configured: %w", fallback, domain.ErrInvalidArgument)
	}
	norm := make(map[string]string, len(routes))
	for model, p := range routes {
		p = strings.ToLower(p)
		if providers[p] == nil {
			return nil, fmt.Errorf("model %q routed to unconfigured provider %q: %w", model, p, domain.ErrInvalidArgument)
		}
		norm[model] = p
	}
	return &Router{fallback: fallback, providers: providers, routes: norm}, nil
}

// Provider names the provider that serves model.
func (r *Router) Provider(model string) string {
	if p, ok := r.routes[model]; ok {
		return p
	}
	l := strings.ToLower(model)
	for _, f := range modelFamilies {
		if strings.HasPrefix(l, f.prefix) && r.providers[f.provider] != nil {
			return f.provider
		}
	}
	return r.fallback
}

func (r *Router) target(model string) adapter.AIServiceAdapter {
	return r.providers[r.Provider(model)]
}

// ListModels merges routed models with every provider's list, sorted.
// A provider that fails is skipped; the error is returned only when nothing is known.
func (r *Router) ListModels(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	for model := range r.routes {
		seen[model] = struct{}{}
	}
	var errs []error
	for name, p := range r.providers {
		list, err := p.ListModels(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		for _, m := range list {
			if m != "" {
				seen[m] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (r *Router) GetModelInfo(model string) (adapter.ModelInfo, error) {
	info, err := r.target(model).GetModelInfo(model)
	if err != nil {
		return info, err
	}
	if info.Provider == "" {
		info.Provider = r.Provider(model)
	}
	return info, nil
}

func (r *Router) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return r.target(model).CountTokens(ctx, model, messages)
}

func (r *Router) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	return r.target(model).Chat(ctx, model, messages)
}

func (r *Router) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	return r.target(model).ChatWithUsage(ctx, model, messages)
}

func (r *Router) ChatWithTools(ctx context.Context, model string, messages []adapter.Message, tools []adapter.ToolSchema) (adapter.ChatResult, error) {
	return r.target(model).ChatWithTools(ctx, model, messages, tools)
}

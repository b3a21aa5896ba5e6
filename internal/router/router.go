// Package router selects a provider adapter for each chat or embed request
// and walks the configured fallback chain on transient failures.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opalhq/opal/internal/observability"
	"github.com/opalhq/opal/internal/providers"
)

// Task names a routing purpose with its own model default.
type Task string

const (
	TaskChat      Task = "chat"
	TaskSummarize Task = "summarize"
	TaskEmbed     Task = "embed"
)

// Target is a resolved (provider, model) pair.
type Target struct {
	Provider string
	Model    string
}

func (t Target) String() string { return t.Provider + "/" + t.Model }

// ParseTarget parses a "provider/model" string. A bare model name resolves
// its provider by model prefix.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("empty routing target")
	}
	if provider, model, ok := strings.Cut(s, "/"); ok {
		if provider == "" || model == "" {
			return Target{}, fmt.Errorf("malformed routing target %q", s)
		}
		return Target{Provider: strings.ToLower(provider), Model: model}, nil
	}
	provider := providerForModel(s)
	if provider == "" {
		return Target{}, fmt.Errorf("cannot infer provider for model %q", s)
	}
	return Target{Provider: provider, Model: s}, nil
}

// providerForModel maps a model name to its vendor by prefix.
func providerForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gpt"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"),
		strings.HasPrefix(m, "chatgpt"),
		strings.HasPrefix(m, "text-embedding"):
		return "openai"
	case strings.HasPrefix(m, "gemini"), strings.HasPrefix(m, "text-bison"):
		return "gemini"
	default:
		return ""
	}
}

// canonicalDefault is the model used when the configured default's provider
// is not registered and the router rewrites to a live provider.
func canonicalDefault(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o"
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return ""
	}
}

// Config configures a Router.
type Config struct {
	// DefaultModel serves TaskChat when no explicit model is requested.
	DefaultModel string
	// SummarizationModel serves TaskSummarize; falls back to DefaultModel.
	SummarizationModel string
	// EmbeddingModel serves TaskEmbed.
	EmbeddingModel string
	// FallbackChain lists "provider/model" targets tried in order after the
	// primary target fails transiently.
	FallbackChain []string
}

// Router routes chat and embed requests across registered adapters.
type Router struct {
	providers map[string]providers.Provider
	tasks     map[Task]Target
	fallback  []Target
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics enables provider request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router over the registered adapters. The effective chat
// default is rewritten to a live provider's canonical model when the
// configured default's provider has no adapter.
func New(cfg Config, registered []providers.Provider, opts ...Option) (*Router, error) {
	if len(registered) == 0 {
		return nil, fmt.Errorf("router: no providers registered")
	}

	r := &Router{
		providers: make(map[string]providers.Provider, len(registered)),
		tasks:     make(map[Task]Target),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")

	for _, p := range registered {
		r.providers[strings.ToLower(p.Name())] = p
	}

	chat, err := r.effectiveTarget(cfg.DefaultModel, TaskChat)
	if err != nil {
		return nil, err
	}
	r.tasks[TaskChat] = chat

	if cfg.SummarizationModel != "" {
		if t, err := r.effectiveTarget(cfg.SummarizationModel, TaskSummarize); err == nil {
			r.tasks[TaskSummarize] = t
		} else {
			r.logger.Warn("summarization model unavailable, using chat default",
				"model", cfg.SummarizationModel, "error", err)
			r.tasks[TaskSummarize] = chat
		}
	} else {
		r.tasks[TaskSummarize] = chat
	}

	if cfg.EmbeddingModel != "" {
		if t, err := ParseTarget(cfg.EmbeddingModel); err == nil {
			r.tasks[TaskEmbed] = t
		}
	}

	for _, raw := range cfg.FallbackChain {
		t, err := ParseTarget(raw)
		if err != nil {
			r.logger.Warn("skipping malformed fallback target", "target", raw, "error", err)
			continue
		}
		r.fallback = append(r.fallback, t)
	}

	return r, nil
}

// effectiveTarget resolves a configured model, rewriting to a registered
// provider's canonical default when the configured provider is absent.
func (r *Router) effectiveTarget(model string, task Task) (Target, error) {
	if model != "" {
		t, err := ParseTarget(model)
		if err == nil {
			if _, ok := r.providers[t.Provider]; ok {
				return t, nil
			}
			r.logger.Warn("configured model's provider not registered, rewriting default",
				"task", string(task), "model", model, "provider", t.Provider)
		}
	}

	for _, name := range r.providerNames() {
		if def := canonicalDefault(name); def != "" {
			return Target{Provider: name, Model: def}, nil
		}
	}
	return Target{}, fmt.Errorf("router: no registered provider has a canonical default")
}

// providerNames returns registered provider names in stable order.
func (r *Router) providerNames() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a model name or task to a (provider, model) target. Exact
// model names win; task defaults apply otherwise.
func (r *Router) Resolve(modelOrTask string) Target {
	if modelOrTask != "" {
		if t, err := ParseTarget(modelOrTask); err == nil {
			if _, ok := r.providers[t.Provider]; ok {
				return t
			}
		}
		if t, ok := r.tasks[Task(modelOrTask)]; ok {
			return t
		}
	}
	return r.tasks[TaskChat]
}

// Chat routes a completion through the resolved target, then walks the
// fallback chain on transient errors. Bad-request and auth errors propagate
// immediately without fallback.
func (r *Router) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	primary := r.Resolve(req.Model)
	ctx, span := otel.Tracer("opal/router").Start(ctx, "router.chat",
		trace.WithAttributes(
			attribute.String("llm.provider", primary.Provider),
			attribute.String("llm.model", primary.Model)))
	defer span.End()

	res, err := r.chat(ctx, primary, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	return res, err
}

func (r *Router) chat(ctx context.Context, primary Target, req *providers.ChatRequest) (*providers.ChatResult, error) {
	targets := r.chainFrom(primary)

	var lastErr error
	for i, target := range targets {
		p, ok := r.providers[target.Provider]
		if !ok {
			continue
		}

		attempt := *req
		attempt.Model = target.Model

		start := time.Now()
		res, err := p.Chat(ctx, &attempt)
		r.observe(target, "chat", start, res, err)
		if err == nil {
			if i > 0 {
				r.logger.Info("chat served by fallback target",
					"target", target.String(), "primary", primary.String())
			}
			return res, nil
		}

		if !providers.IsTransient(err) {
			return nil, err
		}
		r.logger.Warn("chat target failed, trying next",
			"target", target.String(), "error", err)
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("router: no usable chat target")
	}
	return nil, fmt.Errorf("all chat targets exhausted: %w", lastErr)
}

// Embed routes an embedding request to the provider owning the configured
// embedding model, falling back to any registered vendor that supports
// embeddings.
func (r *Router) Embed(ctx context.Context, text string, dimensions int) ([]float32, error) {
	var targets []Target
	if t, ok := r.tasks[TaskEmbed]; ok {
		targets = append(targets, t)
	}
	for _, name := range r.providerNames() {
		targets = append(targets, Target{Provider: name})
	}

	var lastErr error
	tried := make(map[string]bool)
	for _, target := range targets {
		if tried[target.Provider] {
			continue
		}
		tried[target.Provider] = true

		p, ok := r.providers[target.Provider]
		if !ok {
			continue
		}

		start := time.Now()
		vec, err := p.Embed(ctx, &providers.EmbedRequest{
			Text:       text,
			Model:      target.Model,
			Dimensions: dimensions,
		})
		r.observe(target, "embed", start, nil, err)
		if err == nil {
			return vec, nil
		}
		if providers.IsAuth(err) || providers.IsBadRequest(err) {
			return nil, err
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("router: no embedding-capable provider registered")
	}
	return nil, lastErr
}

// EmbeddingAvailable reports whether any registered provider can embed.
// Anthropic-only deployments run without semantic memory.
func (r *Router) EmbeddingAvailable() bool {
	for name := range r.providers {
		if name != "anthropic" {
			return true
		}
	}
	return false
}

// DefaultTarget returns the effective chat default.
func (r *Router) DefaultTarget() Target { return r.tasks[TaskChat] }

// chainFrom returns the primary target followed by the fallback chain with
// duplicates removed.
func (r *Router) chainFrom(primary Target) []Target {
	targets := []Target{primary}
	seen := map[string]bool{primary.String(): true}
	for _, t := range r.fallback {
		if seen[t.String()] {
			continue
		}
		seen[t.String()] = true
		targets = append(targets, t)
	}
	return targets
}

func (r *Router) observe(target Target, kind string, start time.Time, res *providers.ChatResult, err error) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.ProviderRequests.WithLabelValues(target.Provider, target.Model, status).Inc()
	r.metrics.ProviderDuration.WithLabelValues(target.Provider, target.Model).Observe(time.Since(start).Seconds())
	if kind == "chat" && res != nil {
		r.metrics.TokensUsed.WithLabelValues(target.Provider, target.Model, "input").Add(float64(res.InputTokens))
		r.metrics.TokensUsed.WithLabelValues(target.Provider, target.Model, "output").Add(float64(res.OutputTokens))
	}
}

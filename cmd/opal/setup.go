package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/opalhq/opal/internal/config"
	"github.com/opalhq/opal/internal/modules"
	"github.com/opalhq/opal/internal/observability"
	"github.com/opalhq/opal/internal/providers"
	"github.com/opalhq/opal/internal/router"
	"github.com/opalhq/opal/internal/store"
)

// runtime bundles the shared process wiring for the serve and scheduler
// commands.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	store   store.Store
	redis   *redis.Client

	traceShutdown func(context.Context) error
}

func newRuntime(ctx context.Context, configPath string, debug bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := "info"
	if debug {
		level = "debug"
	}
	format := "text"
	if cfg.ProductionMode {
		format = "json"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: format,
	})
	slog.SetDefault(logger)

	_, traceShutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName: "opal",
		Environment: environmentName(cfg),
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	rt := &runtime{
		cfg:           cfg,
		logger:        logger,
		metrics:       observability.NewMetrics(),
		traceShutdown: traceShutdown,
	}

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		rt.store = pg
	} else {
		logger.Warn("no database_url configured, using the in-memory store")
		rt.store = store.NewMemory()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		rt.redis = redis.NewClient(opts)
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warn("redis close failed", "error", err)
		}
	}
	rt.store.Close()
	if rt.traceShutdown != nil {
		if err := rt.traceShutdown(ctx); err != nil {
			rt.logger.Warn("trace flush failed", "error", err)
		}
	}
}

func environmentName(cfg *config.Config) string {
	if cfg.ProductionMode {
		return "production"
	}
	return "development"
}

// buildProviders constructs one adapter per configured API key.
func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]providers.Provider, error) {
	var out []providers.Provider
	if key := cfg.Providers.AnthropicAPIKey; key != "" {
		out = append(out, providers.NewAnthropicProvider(key, ""))
	}
	if key := cfg.Providers.OpenAIAPIKey; key != "" {
		out = append(out, providers.NewOpenAIProvider(key, "", cfg.Models.EmbeddingModel))
	}
	if key := cfg.Providers.GeminiAPIKey; key != "" {
		gemini, err := providers.NewGeminiProvider(ctx, key, "")
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		out = append(out, gemini)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no provider API keys configured")
	}
	logger.Info("providers initialized", "count", len(out))
	return out, nil
}

func buildRouter(ctx context.Context, rt *runtime) (*router.Router, error) {
	provs, err := buildProviders(ctx, rt.cfg, rt.logger)
	if err != nil {
		return nil, err
	}
	return router.New(router.Config{
		DefaultModel:       rt.cfg.Models.DefaultModel,
		SummarizationModel: rt.cfg.Models.SummarizationModel,
		EmbeddingModel:     rt.cfg.Models.EmbeddingModel,
		FallbackChain:      rt.cfg.Models.FallbackChain,
	}, provs, router.WithLogger(rt.logger), router.WithMetrics(rt.metrics))
}

func buildRegistry(rt *runtime) *modules.Registry {
	opts := []modules.Option{
		modules.WithLogger(rt.logger),
		modules.WithMetrics(rt.metrics),
	}
	if rt.redis != nil {
		opts = append(opts, modules.WithCache(rt.redis))
	}
	return modules.NewRegistry(modules.Config{
		ServiceURLs:  rt.cfg.Modules.ServiceURLs,
		ServiceToken: rt.cfg.Auth.ServiceToken,
		Timeout:      rt.cfg.ModuleTimeout,
	}, opts...)
}

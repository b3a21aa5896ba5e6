package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/opalhq/opal/internal/config"
	"github.com/opalhq/opal/internal/router"
	"github.com/opalhq/opal/internal/store"
)

func buildCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and connectivity",
		Long: `Run the startup preflight without serving: validates configuration
(including production secret hygiene), checks database and Redis
reachability, and prints the effective model routing table.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.Flag("config").Value.String())
		},
	}
	configFlag(cmd)
	return cmd
}

func runCheck(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Println("configuration: ok")

	if cfg.DatabaseURL != "" {
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pg, err := store.NewPostgres(dbCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		pg.Close()
		fmt.Println("database: ok")
	} else {
		fmt.Println("database: not configured (in-memory store)")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url invalid: %w", err)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		_ = client.Close()
		if err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		fmt.Println("redis: ok")
	} else {
		fmt.Println("redis: not configured")
	}

	provs, err := buildProviders(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	modelRouter, err := router.New(router.Config{
		DefaultModel:       cfg.Models.DefaultModel,
		SummarizationModel: cfg.Models.SummarizationModel,
		EmbeddingModel:     cfg.Models.EmbeddingModel,
		FallbackChain:      cfg.Models.FallbackChain,
	}, provs)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	fmt.Println("model routing:")
	for _, task := range []string{"chat", "summarize", "embed"} {
		target := modelRouter.Resolve(task)
		fmt.Printf("  %-10s %s/%s\n", task, target.Provider, target.Model)
	}
	if !modelRouter.EmbeddingAvailable() {
		fmt.Println("  warning: no embedding provider, semantic memory disabled")
	}

	fmt.Printf("modules: %d configured\n", len(cfg.Modules.ServiceURLs))
	return nil
}

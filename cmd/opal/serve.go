package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opalhq/opal/internal/agent"
	agentcontext "github.com/opalhq/opal/internal/agent/context"
	"github.com/opalhq/opal/internal/gateway"
)

func buildServeCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator",
		Long: `Start the orchestrator: the agent loop behind the /message and /continue
endpoints, tool module discovery, and the metrics endpoint. Shuts down
gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.Flag("config").Value.String(), debug)
		},
	}
	configFlag(cmd)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(parent context.Context, configPath string, debug bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.close(closeCtx)
	}()

	modelRouter, err := buildRouter(ctx, rt)
	if err != nil {
		return err
	}

	registry := buildRegistry(rt)
	go registry.DiscoverAll(ctx)
	registry.StartResync(ctx)

	builderOpts := []agentcontext.Option{agentcontext.WithLogger(rt.logger)}
	if modelRouter.EmbeddingAvailable() {
		builderOpts = append(builderOpts, agentcontext.WithEmbedder(modelRouter))
	} else {
		rt.logger.Warn("no embedding provider available, semantic memory recall disabled")
	}
	builder := agentcontext.NewBuilder(rt.store, agentcontext.Config{
		WorkingMemoryMessages:     rt.cfg.Agent.WorkingMemoryMessages,
		MinimalMemoryMessages:     rt.cfg.Agent.MinimalMemoryMessages,
		HistoryToolResultMaxChars: rt.cfg.Agent.HistoryToolResultMaxChars,
		MemoryRelevanceThreshold:  rt.cfg.Agent.MemoryRelevanceThreshold,
		ToolSchemaTokenBudget:     rt.cfg.Agent.ToolSchemaTokenBudget,
	}, builderOpts...)

	loop := agent.New(rt.store, modelRouter, registry, builder, agent.Config{
		MaxIterations:       rt.cfg.Agent.MaxIterations,
		ConversationTimeout: rt.cfg.ConversationTimeout(),
		GuestTokenBudget:    rt.cfg.Guests.TokenBudget,
		GuestModules:        rt.cfg.Guests.DefaultModules,
		ToolResultMaxChars:  rt.cfg.Agent.ToolResultMaxChars,
	},
		agent.WithLogger(rt.logger),
		agent.WithMetrics(rt.metrics),
		agent.WithSummarizer(agent.NewSummarizer(rt.store, modelRouter, rt.logger)),
	)

	server := gateway.NewServer(gateway.Config{
		Host:            rt.cfg.Server.Host,
		Port:            rt.cfg.Server.Port,
		ServiceToken:    rt.cfg.Auth.ServiceToken,
		PortalJWTSecret: rt.cfg.Auth.PortalJWTSecret,
	}, loop, registry, modelRouter, gateway.WithLogger(rt.logger))

	rt.logger.Info("orchestrator starting",
		"host", rt.cfg.Server.Host, "port", rt.cfg.Server.Port,
		"modules", len(rt.cfg.Modules.ServiceURLs))
	return server.Start(ctx)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opalhq/opal/internal/notify"
	"github.com/opalhq/opal/internal/scheduler"
)

func buildSchedulerCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Start the background job worker",
		Long: `Start the scheduler worker: evaluates due jobs on a fixed interval and
serves the external webhook endpoint. Completed jobs notify users over the
bus or resume their conversation through the orchestrator.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd.Context(), cmd.Flag("config").Value.String(), debug)
		},
	}
	configFlag(cmd)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runScheduler(parent context.Context, configPath string, debug bool) error {
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

	registry := buildRegistry(rt)
	go registry.DiscoverAll(ctx)
	registry.StartResync(ctx)

	var bus notify.Publisher
	if rt.redis != nil {
		bus = notify.NewBus(rt.redis,
			notify.WithLogger(rt.logger), notify.WithMetrics(rt.metrics))
	} else {
		rt.logger.Warn("no redis configured, job notifications disabled")
	}

	worker := scheduler.NewWorker(rt.store, registry, bus, scheduler.Config{
		Interval:        rt.cfg.Scheduler.LoopInterval,
		OrchestratorURL: rt.cfg.Server.OrchestratorURL,
		ServiceToken:    rt.cfg.Auth.ServiceToken,
		ContinueTimeout: rt.cfg.Scheduler.ContinueTimeout,
	}, scheduler.WithLogger(rt.logger), scheduler.WithMetrics(rt.metrics))

	webhookServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", rt.cfg.Server.Host, rt.cfg.Scheduler.WebhookPort),
		Handler:           worker.WebhookHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		rt.logger.Info("webhook server started", "addr", webhookServer.Addr)
		if err := webhookServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("webhook server error", "error", err)
		}
	}()

	worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webhookServer.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("webhook server shutdown error", "error", err)
	}
	return nil
}

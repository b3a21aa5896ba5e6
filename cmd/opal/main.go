// Package main is the opal CLI: the orchestrator server, the scheduler
// worker, and a configuration preflight.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "opal",
		Short: "Opal multi-platform agent backbone",
		Long: `Opal is the orchestration core of a multi-platform AI agent backbone.

It receives normalized messages from chat adapters, drives a bounded
reason/act/observe loop against LLM providers and HTTP tool modules, and runs
persistent background jobs that report back into conversations.`,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildSchedulerCmd(), buildCheckCmd())
	return root
}

func configFlag(cmd *cobra.Command) *string {
	path := cmd.Flags().StringP("config", "c", os.Getenv("OPAL_CONFIG"),
		"Path to YAML configuration file (optional; env vars override)")
	return path
}

// Command cogmemd is the long-running process: it assembles the full
// Record Store / Concept Navigation Graph / Retrieval Sandbox /
// Maintenance Pipeline / Coordinator stack from a config file and drives
// it from stdin/stdout, alongside a small admin HTTP surface. Adapted
// from cmd/agentflow's flag-parsed serve entrypoint, restructured around
// this module's own config.Loader and daemon.Daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/abyssac/cogmem/config"
	"github.com/abyssac/cogmem/internal/daemon"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.NewLoader().WithConfigPath(*configPath).WithValidator((*config.Config).Validate).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to assemble daemon", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Fatal("daemon exited with error", zap.Error(err))
	}
}

// Command batchd-server runs the batch inference orchestrator: the admission controller,
// single-worker scheduler and the OpenAI-batch-compatible REST API (internal/server).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/batchd/internal/app"
	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/server"
)

func main() {
	configPath := os.Getenv("BATCHD_CONFIG")

	a, err := app.NewApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	a.Scheduler.Start()

	srv := server.NewServer(a)
	shutdownChan := make(chan struct{}, 1)
	srv.SetShutdownChannel(shutdownChan)

	go func() {
		if err := srv.Start(); err != nil {
			a.Logger.Info().Err(err).Msg("HTTP server stopped")
		}
	}()

	common.PrintBanner(a.Config, a.Logger)
	a.Logger.Info().
		Str("addr", fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)).
		Msg("batchd-server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		a.Logger.Info().Msg("Shutdown signal received")
	case <-shutdownChan:
		a.Logger.Info().Msg("Shutdown requested via admin endpoint")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	a.Close()
	a.Logger.Info().Msg("batchd-server stopped")
}

// Package main is the entry point for the futures-trading engine: a
// single autonomous process that watches a streaming quote feed, runs
// the overnight-range strategy scheduler, and exposes a small
// operational HTTP surface. Grounded on the teacher's own cmd/server/main.go
// startup sequence (load config, build logger, wire the DI container,
// start the HTTP server, wait for signal, shut down in reverse), trimmed
// of the LED-display and portfolio-dashboard pieces that don't apply here.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/overrangefutures/engine/internal/config"
	"github.com/overrangefutures/engine/internal/di"
	"github.com/overrangefutures/engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Msg("starting engine")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}

	container.Scheduler.Start()
	log.Info().Msg("strategy scheduler started")

	reconcileCtx, cancelReconcile := context.WithCancel(context.Background())
	defer cancelReconcile()
	go container.Reconciler.Run(reconcileCtx)
	log.Info().Msg("position reconciler started")

	go func() {
		if err := container.Server.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("HTTP server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received")
	cancelReconcile()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := container.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}

	log.Info().Msg("engine stopped")
}

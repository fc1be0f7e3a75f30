// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownTimeout bounds the graceful shutdown of all services.
const ShutdownTimeout = 15 * time.Second

// Service is a long-running component. Start blocks until the service stops.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Component names a Service for logging.
type Component struct {
	Name    string
	Service Service
}

// Run executes the main application lifecycle. It starts every component,
// waits for SIGINT/SIGTERM, a cancelled ctx or a failed component, then
// shuts the components down in order.
func Run(ctx context.Context, logger zerolog.Logger, components ...Component) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, c := range components {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()
			logger.Info().Str("service", c.Name).Msg("Starting service...")
			err := c.Service.Start(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("service", c.Name).Msg("Service failed")
				cancel() // Trigger shutdown of other services.
			}
		}(c)
	}

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	// Execute graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	for _, c := range components {
		logger.Info().Str("service", c.Name).Msg("Shutting down service...")
		if err := c.Service.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("service", c.Name).Msg("Service shutdown failed.")
		}
	}
	cancel()

	wg.Wait()
	logger.Info().Msg("All services shut down gracefully.")
}

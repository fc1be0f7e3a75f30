// Package notifyservice assembles the serving process: the HTTP API, the
// websocket gateway, the bus relay and the presence sweeper.
package notifyservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/internal/api"
	"github.com/tinywideclouds/go-notify-service/internal/bus"
	"github.com/tinywideclouds/go-notify-service/internal/realtime"
	"github.com/tinywideclouds/go-notify-service/notifyservice/config"
)

// WebSocketPath is where the gateway is mounted.
const WebSocketPath = "/ws"

// Dependencies are the components the wrapper runs.
type Dependencies struct {
	Sender  api.Sender
	Gateway *realtime.Gateway
	Bus     *bus.Bus
	Sweeper *realtime.Sweeper
}

// Wrapper owns the HTTP server and the lifecycle of the realtime components.
type Wrapper struct {
	server  *http.Server
	gateway *realtime.Gateway
	bus     *bus.Bus
	sweeper *realtime.Sweeper
	logger  zerolog.Logger

	httpReadyChan chan struct{}
	ready         atomic.Bool
	addr          string

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New builds the wrapper and its routes.
func New(cfg *config.AppConfig, deps Dependencies, logger zerolog.Logger) (*Wrapper, error) {
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}

	w := &Wrapper{
		gateway:       deps.Gateway,
		bus:           deps.Bus,
		sweeper:       deps.Sweeper,
		logger:        logger.With().Str("component", "NotifyService").Logger(),
		httpReadyChan: make(chan struct{}),
	}

	apiHandler, err := api.NewAPI(deps.Sender, w.readiness, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create api: %w", err)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(w.logger))
	apiHandler.Register(engine, cfg.InternalToken)
	engine.GET(WebSocketPath, gin.WrapH(deps.Gateway))

	w.server = &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return w, nil
}

// Ready is closed once the HTTP listener is bound.
func (w *Wrapper) Ready() <-chan struct{} {
	return w.httpReadyChan
}

// Addr is the bound listener address. Valid after Ready is closed.
func (w *Wrapper) Addr() string {
	return w.addr
}

func (w *Wrapper) readiness() error {
	if !w.ready.Load() {
		return errors.New("http listener not ready")
	}
	if state := w.bus.State(); state != bus.StateConnected {
		return fmt.Errorf("bus is %s", state)
	}
	return nil
}

// Start attaches the gateway to the bus, starts the sweeper and serves HTTP.
// It blocks until the server stops.
func (w *Wrapper) Start(ctx context.Context) error {
	if err := w.gateway.Attach(ctx, w.bus); err != nil {
		return err
	}
	if err := w.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}

	if w.sweeper != nil {
		sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		w.sweepMu.Lock()
		w.sweepCancel, w.sweepDone = cancel, done
		w.sweepMu.Unlock()
		go func() {
			defer close(done)
			_ = w.sweeper.Run(sweepCtx)
		}()
	}

	ln, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}
	w.addr = ln.Addr().String()
	w.ready.Store(true)
	close(w.httpReadyChan)
	w.logger.Info().Str("addr", w.addr).Msg("HTTP listener is active. Service is now ready.")

	if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.logger.Error().Err(err).Msg("HTTP server failed")
		return err
	}
	return nil
}

// Shutdown stops the components in dependency order: HTTP first so no new
// sockets arrive, then the gateway's sockets, the sweeper and finally the bus.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.ready.Store(false)
	var finalErr error

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}
	if err := w.gateway.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Gateway shutdown failed.")
		finalErr = err
	}

	w.sweepMu.Lock()
	cancel, done := w.sweepCancel, w.sweepDone
	w.sweepMu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if err := w.bus.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Bus close failed.")
		finalErr = err
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}

// requestLogger logs each request at debug, and server errors at warn.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		event := logger.Debug()
		if status >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

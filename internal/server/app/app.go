package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vesselvm/vessel/internal/monitor"
	"github.com/vesselvm/vessel/internal/server/config"
)

// App wires the config, guest monitor, and HTTP transport.
type App struct {
	cfg          config.ServerConfig
	logger       *slog.Logger
	mon          monitor.Monitor
	httpServer   *http.Server
	shutdownWait time.Duration
}

// New constructs the daemon application.
func New(cfg config.ServerConfig, logger *slog.Logger, mon monitor.Monitor, mux http.Handler) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if mon == nil {
		return nil, fmt.Errorf("guest monitor must not be nil")
	}
	if mux == nil {
		mux = http.NewServeMux()
	}

	httpServer := &http.Server{
		Addr:         cfg.APIListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		mon:          mon,
		httpServer:   httpServer,
		shutdownWait: 15 * time.Second,
	}, nil
}

// Run boots the guest and serves the API, blocking until context
// cancellation. A boot failure halts the guest but keeps the API up so the
// halted state stays observable.
func (a *App) Run(ctx context.Context) error {
	if entry, err := a.mon.Boot(ctx); err != nil {
		a.logger.Error("guest boot failed; serving diagnostics only", "error", err)
	} else {
		a.logger.Info("guest running", "entry", fmt.Sprintf("%#x", entry))
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Monitor exposes the supervised guest for callers that need direct access.
func (a *App) Monitor() monitor.Monitor { return a.mon }

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/earlyshield/dashboard/internal/domain"
)

// pruneInterval is how often serve trims the activity journal.
const pruneInterval = time.Hour

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service and its HTTP/WebSocket mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.HTTPAddr = addr
			}
			ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", a.cfg.HTTPAddr, err)
			}
			return runServe(cmd.Context(), a, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "http-addr", "", "HTTP listen address, overriding the configuration")
	return cmd
}

// runServe serves the mirror on ln until ctx is cancelled, then shuts down
// gracefully.
func runServe(ctx context.Context, a *app, ln net.Listener) error {
	logger := a.logger
	logger.Info("earlyshield sync service starting",
		slog.String("api_url", a.cfg.APIURL),
		slog.String("http_addr", ln.Addr().String()),
		slog.String("refresh_policy", a.cfg.RefreshPolicy),
		slog.String("identity_policy", a.cfg.IdentityPolicy),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	c, err := newCore(a.cfg, logger, reg)
	if err != nil {
		ln.Close()
		return err
	}
	defer c.Close()

	handler, bc, err := newHTTPHandler(c, a.cfg, logger, reg)
	if err != nil {
		ln.Close()
		return err
	}
	defer bc.Close()
	go bc.Run(ctx, c.store.Subscribe(ctx))

	// ── Initial load ──────────────────────────────────────────────────────────
	role, _ := domain.ParseRole(a.cfg.InitialRole)
	if _, err := c.store.SetActiveRole(role); err != nil {
		logger.Warn("initial role rejected", slog.Any("error", err))
	}
	if err := c.store.RefreshAll(ctx); err != nil {
		// The mirror still starts; consumers see the error in the snapshot.
		logger.Warn("initial refresh failed", slog.Any("error", err))
	}

	if a.cfg.JournalRetention > 0 {
		go pruneLoop(ctx, c, a.cfg.JournalRetention, logger)
	}

	// No WriteTimeout: /ws and /api/v1/assist/chat hold responses open.
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ────────────────────────────────
	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-httpErrCh:
		serveErr = err
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	cancel()
	bc.Close() // lets /ws handlers return before Shutdown waits on them

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("earlyshield sync service exited cleanly")
	return serveErr
}

// pruneLoop deletes journal entries older than retention once per
// pruneInterval, starting immediately.
func pruneLoop(ctx context.Context, c *core, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := c.journal.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("journal prune failed", slog.Any("error", err))
		case n > 0:
			logger.Info("journal pruned", slog.Int64("removed", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

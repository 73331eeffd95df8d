package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/crashetl/internal/ingest"
	"github.com/JonMunkholm/crashetl/internal/web"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the load API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, "")
	if err != nil {
		return err
	}
	defer a.Close()

	limiter := ingest.NewLimiter(cfg.Load.MaxConcurrent, cfg.Load.MaxWaitTime)
	loads := ingest.NewService(a.pipeline, limiter, a.notifier, ingest.ServiceConfig{
		Timeout: cfg.Load.Timeout,
		Retain:  cfg.Load.Retain,
	})
	server := web.NewServer(loads, cfg)

	slog.Info("configuration loaded",
		"addr", cfg.Server.Addr(),
		"sink", cfg.Sink.Kind,
		"load_max_concurrent", cfg.Load.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if st := limiter.Status(); st.Active > 0 {
		slog.Info("cancelling running loads", "active", st.Active)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return err
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/atpinstall/internal/app"
	"github.com/loykin/atpinstall/internal/metrics"
	"github.com/loykin/atpinstall/internal/server"
)

func createServeCommand(c command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP command dispatcher",
		Long: `Start the HTTP command dispatcher. Operations are submitted as jobs and
their progress is streamed as server-sent events on {basePath}/events.

Examples:
  atpinstall serve
  atpinstall serve --addr 127.0.0.1:8080 --metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(ctx context.Context, a *app.App) error {
				return runServe(ctx, a, flags)
			})
		},
	}
	cmd.Flags().StringVar(&flags.Addr, "addr", "", "listen address (default from config server.addr)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "route prefix (default from config server.basePath)")
	cmd.Flags().BoolVar(&flags.Metrics, "metrics", false, "expose Prometheus metrics on {basePath}/metrics")
	cmd.Flags().BoolVar(&flags.NonBlocking, "non-blocking", false, "start and stop immediately (testing)")
	return cmd
}

func runServe(ctx context.Context, a *app.App, flags *ServeFlags) error {
	cfg := a.Config()
	addr := flags.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	base := flags.BasePath
	if base == "" {
		base = cfg.Server.BasePath
	}
	withMetrics := flags.Metrics || cfg.Metrics.Enabled
	if withMetrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	gin.SetMode(gin.ReleaseMode)
	a.Jobs.StartCleanupWorker(time.Minute, time.Hour)

	srv := server.NewServer(addr, server.NewRouter(a, base, withMetrics).Handler())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slog.Info("HTTP dispatcher listening", "addr", ln.Addr().String(), "base", base, "metrics", withMetrics)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	if !flags.NonBlocking {
		select {
		case <-ctx.Done():
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		// open event streams do not end on their own
		_ = srv.Close()
	}
	slog.Info("HTTP dispatcher stopped")
	return nil
}

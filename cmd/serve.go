package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/headlines/internal/schedule"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API",
		Long: `Starts the HTTP server. POST /v1/scrape runs the pipeline once and
GET /v1/articles lists stored articles. The server drains in-flight requests
on SIGINT or SIGTERM. When schedule.cron is set the pipeline also runs on
that schedule.`,
		RunE: withRuntime(func(cmd *cobra.Command, rt *runtime) error {
			listener, err := net.Listen("tcp", ":"+strconv.Itoa(rt.cfg.Server.Port))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return serve(cmd.Context(), rt, listener)
		}),
	}
}

// serve blocks until ctx is done or the server fails, then shuts down.
func serve(ctx context.Context, rt *runtime, listener net.Listener) error {
	if rt.cfg.Schedule.Cron != "" {
		sched, err := schedule.New(rt.cfg.Schedule.Cron, rt.app.Pipeline(), rt.logger.Named("schedule"))
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	srv := &http.Server{
		Handler:           rt.app.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("http server started", zap.String("addr", listener.Addr().String()))
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	rt.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	rt.logger.Info("shutdown complete")
	return nil
}

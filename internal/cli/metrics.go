package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var metricsAddr string

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve Prometheus metrics and run scheduled maintenance",
	Long: `Serve Prometheus metrics on /metrics and run the maintenance jobs
(session pruning, knowledge sync) on their schedules until interrupted.`,
	RunE: runServeMetrics,
}

func init() {
	serveMetricsCmd.Flags().StringVar(&metricsAddr, "addr", "", "listen address (default from config metrics.addr)")
	rootCmd.AddCommand(serveMetricsCmd)
}

func runServeMetrics(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{Storage: true, Knowledge: true, Watch: true})
	if err != nil {
		return err
	}
	defer a.Close()

	addr := metricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	srv, err := startMetricsServer(addr, a.logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	sched.Start()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving metrics on http://%s/metrics\n", srv.Addr)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("Scheduler did not stop cleanly")
	}
	return srv.Shutdown(shutdownCtx)
}

// startMetricsServer listens on addr and serves the Prometheus handler in the
// background. The returned server's Addr is the bound address.
func startMetricsServer(addr string, logger zerolog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	logger.Info().Str("addr", srv.Addr).Msg("Metrics server started")
	return srv, nil
}

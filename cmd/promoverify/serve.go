package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/promoverify/pkg/config"
	"github.com/Mindburn-Labs/promoverify/pkg/observability"
	"github.com/Mindburn-Labs/promoverify/pkg/queue"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workers and the /metrics and /healthz endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, config.Load())
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default().With("component", "server")

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()

	jobs := observability.NewJobMetrics()
	reg := prometheus.NewRegistry()
	if err := observability.Register(reg,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		observability.NewStatsCollector(a.queue, a.breakers, a.limiters),
		jobs,
	); err != nil {
		return err
	}

	pools := a.orchestrator.Pools(a.pipeline.Queue.Pools, queue.WithResultHook(jobs.Observe))
	drain, err := startPools(ctx, pools)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", a.healthHandler)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening", "addr", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown", "error", serr)
	}
	if derr := drain(shutdownCtx); derr != nil {
		logger.Error("pool shutdown", "error", derr)
	}
	return err
}

// startPools runs pools under a context the shutdown signal does not reach,
// so in-flight jobs finish during drain. Jobs still running when drain's
// context ends are aborted.
func startPools(ctx context.Context, pools []*queue.Pool) (drain func(context.Context) error, err error) {
	runCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	drain = func(ctx context.Context) error {
		defer abort()
		var g errgroup.Group
		for _, p := range pools {
			g.Go(func() error { return p.Stop(ctx) })
		}
		return g.Wait()
	}
	for _, p := range pools {
		if err := p.Start(runCtx); err != nil {
			abort()
			_ = drain(context.Background())
			return nil, err
		}
	}
	return drain, nil
}

// healthHandler reports the evidence consistency sweep. Unhealthy stores
// answer 503 so load balancers stop routing to this node.
func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	h := a.evidence.HealthCheck(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !h.IsHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Evidence any    `json:"evidence"`
	}{
		Status:   statusText(h.IsHealthy),
		Version:  Version,
		Evidence: h,
	})
}

func statusText(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}

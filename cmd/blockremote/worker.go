package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"blockremote/internal/ingest"
	"blockremote/internal/trust"
	"blockremote/internal/worker"
)

var workerMetricsAddr string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume analyze_signal tasks from Kafka and publish kill commands",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", ":9101", "address for /metrics (empty disables)")
}

func runWorker(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg.Get()
	if len(cfg.Dispatch.Kafka.Brokers) == 0 {
		return errors.New("worker requires dispatch.kafka.brokers")
	}

	w := worker.NewWorker(cfg, trust.NewHeuristicScorer(), rt.store, rt.bus, rt.cache, rt.logger, rt.metrics)
	pool := worker.NewPool(w, cfg.Worker, rt.logger, rt.metrics)
	pool.Start(ctx)
	defer pool.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingest.ConsumeKafka(gctx, cfg.Dispatch.Kafka, pool, rt.logger) })
	g.Go(func() error {
		rt.watchConfig(gctx, w.UpdateConfig)
		return nil
	})
	if workerMetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, workerMetricsAddr, rt) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.Error("worker stopped", "err", err)
		return err
	}
	rt.logger.Info("shutdown complete")
	return nil
}

func serveMetrics(ctx context.Context, addr string, rt *runtime) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	rt.logger.Info("worker metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

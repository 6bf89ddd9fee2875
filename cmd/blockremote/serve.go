package main

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"blockremote/internal/api"
	"blockremote/internal/auth"
	"blockremote/internal/bus"
	"blockremote/internal/hub"
	"blockremote/internal/ingest"
	"blockremote/internal/relay"
	"blockremote/internal/trust"
	"blockremote/internal/worker"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API process: agent kill-switch channel, queries and signal intake",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides api.addr)")
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg.Get()

	authn, err := auth.New(cfg.Auth)
	if err != nil {
		return err
	}

	h := hub.New(rt.logger, rt.metrics, cfg.API.WriteTimeout)
	listener := relay.NewListener(rt.bus, h, relay.Options{
		Channel:      bus.ChannelFor(cfg.Bus),
		PollTimeout:  cfg.Relay.PollTimeout,
		MaxRetries:   cfg.Relay.MaxRetries,
		RetryBackoff: cfg.Relay.RetryBackoff,
		MaxBackoff:   cfg.Relay.MaxBackoff,
	}, rt.logger, rt.metrics)
	supervisor := relay.NewSupervisor(h, listener, rt.logger, rt.metrics)
	defer supervisor.Close()

	w := worker.NewWorker(cfg, trust.NewHeuristicScorer(), rt.store, rt.bus, rt.cache, rt.logger, rt.metrics)
	var (
		dispatcher ingest.Dispatcher
		pool       *worker.Pool
	)
	if strings.EqualFold(cfg.Dispatch.Driver, "kafka") {
		dispatcher = ingest.NewKafkaDispatcher(cfg.Dispatch.Kafka)
	} else {
		pool = worker.NewPool(w, cfg.Worker, rt.logger, rt.metrics)
		pool.Start(ctx)
		defer pool.Close()
		dispatcher = ingest.NewPoolDispatcher(pool)
	}
	defer dispatcher.Close()

	server := api.New(api.Deps{
		Config:     rt.cfg,
		Store:      rt.store,
		Hub:        h,
		Supervisor: supervisor,
		Trust:      trust.NewReader(rt.cache, cfg.TrustCache.DefaultScore, cfg.Scoring.VerdictThreshold),
		Signals:    ingest.NewSignalHandler(rt.store, dispatcher, rt.logger),
		Auth:       authn,
		Metrics:    rt.metrics,
		Logger:     rt.logger,
		Version:    version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if serveAddr == "" {
			return server.ListenAndServe(gctx)
		}
		ln, err := net.Listen("tcp", serveAddr)
		if err != nil {
			return err
		}
		return server.Serve(gctx, ln)
	})
	g.Go(func() error {
		rt.watchConfig(gctx, w.UpdateConfig)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.Error("serve stopped", "err", err)
		return err
	}
	rt.logger.Info("shutdown complete")
	return nil
}

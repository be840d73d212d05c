package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/idmcalculus/Simplitics/internal/ingest"
	"github.com/idmcalculus/Simplitics/internal/observability"
	"github.com/idmcalculus/Simplitics/internal/retention"
	"github.com/idmcalculus/Simplitics/internal/sites"
	transport "github.com/idmcalculus/Simplitics/internal/transport/http"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run the HTTP API, the batching ingestor and the retention sweeper",
	GroupID: "server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		cfg := a.cfg
		log := observability.Component(a.logger, "server")
		log.Info("config loaded", "port", cfg.Port, "consent_required", cfg.ConsentRequired, "hash_user_ids", cfg.HashUserIDs)

		pipeline := ingest.NewPipeline(a.vault,
			ingest.WithClockSkew(cfg.ClockSkew),
			ingest.WithMetrics(a.metrics),
			ingest.WithLogger(a.logger),
		)
		ingestor := ingest.NewIngestor(a.repo, cfg.QueueMaxSize, cfg.BatchMaxSize, cfg.BatchMaxWait, a.publisher, a.metrics, a.logger)
		// Stopped after the HTTP server so in-flight requests can still enqueue.
		ingestCtx, stopIngest := context.WithCancel(context.WithoutCancel(ctx))
		defer stopIngest()
		ingestor.Start(ingestCtx)
		log.Info("ingest started", "queue", cfg.QueueMaxSize, "batch", cfg.BatchMaxSize, "wait", cfg.BatchMaxWait)

		sweeper := retention.NewSweeper(a.repo, cfg.SweepInterval, a.retentionDeps())
		sweeper.Start(ctx)
		defer sweeper.Stop()

		deps := &transport.ServerDeps{
			Cfg:      cfg,
			Pipeline: pipeline,
			Ingestor: ingestor,
			Repo:     a.repo,
			Sites:    sites.NewService(a.repo, a.vault, a.publisher, cfg.RetentionDays, a.logger),
			Eraser:   retention.NewEraser(a.repo, a.vault.Hasher, a.retentionDeps()),
			Metrics:  a.metrics,
			Snapshot: a.metricsSnapshot(),
			Logger:   a.logger,
			Now:      func() time.Time { return time.Now().UTC() },
		}

		srv := &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           deps.Router(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			stopIngest()
			<-ingestor.Done()
			return err
		}

		shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "err", err)
		}
		stopIngest()
		<-ingestor.Done()
		log.Info("stopped")
		return nil
	},
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/idmcalculus/Simplitics/internal/audit"
	"github.com/idmcalculus/Simplitics/internal/config"
	"github.com/idmcalculus/Simplitics/internal/notify"
	"github.com/idmcalculus/Simplitics/internal/observability"
	"github.com/idmcalculus/Simplitics/internal/retention"
	"github.com/idmcalculus/Simplitics/internal/storage"
	"github.com/idmcalculus/Simplitics/internal/storage/memory"
	spg "github.com/idmcalculus/Simplitics/internal/storage/postgres"
	"github.com/idmcalculus/Simplitics/internal/storage/sqlite"
	"github.com/idmcalculus/Simplitics/internal/vault"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	repo      storage.Repository
	vault     *vault.Vault
	publisher notify.Publisher
	audit     audit.Sink
	metrics   observability.Metrics
	telemetry *observability.Provider
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger, err := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	v, err := vault.New(vault.Options{
		Secret:          cfg.EncryptionKey,
		Salt:            cfg.HashSalt,
		HashIdentifiers: cfg.HashUserIDs,
		AllowEphemeral:  cfg.AllowEphemeralKey,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	repo, err := openRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		vault:     v,
		publisher: &notify.NoopPublisher{},
		metrics:   observability.NoopMetrics{},
	}
	if cfg.MetricsEnabled || cfg.TracingEnabled {
		a.telemetry = observability.NewProvider(observability.ProviderOptions{
			LogInterval: cfg.MetricsLogInterval,
			Tracing:     cfg.TracingEnabled,
			Logger:      logger,
		})
		if cfg.MetricsEnabled {
			a.metrics = a.telemetry.Metrics
		}
	}
	if cfg.NATSURL != "" {
		p, err := notify.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.publisher = p
	}

	sinks := audit.Multi{audit.NewLogSink(logger)}
	if cfg.AuditS3Bucket != "" {
		s3, err := audit.NewS3Sink(ctx, cfg.AuditS3Bucket, cfg.AuditS3Prefix, cfg.AuditS3Region, cfg.AuditS3Endpoint)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("audit: %w", err)
		}
		sinks = append(sinks, s3)
	}
	a.audit = sinks
	return a, nil
}

func (a *app) retentionDeps() retention.Deps {
	return retention.Deps{Publisher: a.publisher, Audit: a.audit, Metrics: a.metrics, Logger: a.logger}
}

func (a *app) Close() error {
	errs := []error{a.publisher.Close(), a.repo.Close()}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// metricsSnapshot backs GET /metrics; nil when metrics are disabled.
func (a *app) metricsSnapshot() func(context.Context) (observability.Snapshot, error) {
	if a.telemetry == nil || !a.cfg.MetricsEnabled {
		return nil
	}
	return a.telemetry.Snapshot
}

// openRepository picks a backend by URL scheme: postgres:// or
// postgresql:// for Postgres, sqlite: / file: / *.db for SQLite, and
// "memory" (the default) for the in-process store.
func openRepository(ctx context.Context, url string) (storage.Repository, error) {
	switch {
	case url == "" || url == "memory" || strings.HasPrefix(url, "memory:"):
		return memory.New(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err := spg.Connect(ctx, url)
		if err != nil {
			return nil, err
		}
		return db, nil
	case strings.HasPrefix(url, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "sqlite:")
		return openSQLite(ctx, path)
	case strings.HasPrefix(url, "file:"), strings.HasSuffix(url, ".db"):
		return openSQLite(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL %q", url)
	}
}

func openSQLite(ctx context.Context, path string) (storage.Repository, error) {
	r, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/promoverify/pkg/audit"
	"github.com/Mindburn-Labs/promoverify/pkg/breaker"
	"github.com/Mindburn-Labs/promoverify/pkg/config"
	"github.com/Mindburn-Labs/promoverify/pkg/evidence"
	"github.com/Mindburn-Labs/promoverify/pkg/observability"
	"github.com/Mindburn-Labs/promoverify/pkg/pipeline"
	"github.com/Mindburn-Labs/promoverify/pkg/promotion"
	"github.com/Mindburn-Labs/promoverify/pkg/queue"
	"github.com/Mindburn-Labs/promoverify/pkg/ratelimit"
	"github.com/Mindburn-Labs/promoverify/pkg/store"
)

// app is the wired process: one database, the stores on top of it and the
// orchestrator.
type app struct {
	cfg      *config.Config
	pipeline *config.Pipeline

	db           *store.DB
	audit        *audit.Log
	evidence     *evidence.Store
	queue        *queue.Queue
	promotions   *promotion.SQLStore
	limiters     *ratelimit.Registry
	breakers     *breaker.Registry
	telemetry    *observability.Provider
	orchestrator *pipeline.Orchestrator

	closers []func() error
}

func openApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	logger := slog.Default().With("component", "app")

	pl, err := config.LoadPipeline(cfg.PipelineConfig)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, pipeline: pl}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	// Subsystems
	auditSink := audit.NewSQLSink(db)
	if err := auditSink.Init(ctx); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if a.audit, err = audit.Open(ctx, auditSink); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	blobs, err := evidence.NewBlobStoreFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	index := evidence.NewSQLIndex(db)
	if err := index.Init(ctx); err != nil {
		return nil, fmt.Errorf("evidence index: %w", err)
	}
	a.evidence = evidence.NewStore(blobs, index, evidence.WithAudit(a.audit))

	broker := queue.NewSQLBroker(db)
	if err := broker.Init(ctx); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	a.queue = queue.New(broker, pl.QueueOptions()...)

	a.promotions = promotion.NewSQLStore(db)
	if err := a.promotions.Init(ctx); err != nil {
		return nil, fmt.Errorf("promotions: %w", err)
	}
	observations := pipeline.NewSQLObservations(db)
	if err := observations.Init(ctx); err != nil {
		return nil, fmt.Errorf("observations: %w", err)
	}

	built, err := pl.Build()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, built.Close)

	limiterOpts := built.Limiters
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, client.Close)
		limiterOpts = append(limiterOpts, ratelimit.WithRedis(client, "promoverify:ratelimit:"))
		logger.InfoContext(ctx, "rate limits shared through redis", "addr", cfg.RedisAddr)
	}
	a.limiters = ratelimit.NewRegistry(pl.DefaultRateLimit, limiterOpts...)
	a.breakers = breaker.NewRegistry(pl.DefaultBreaker, built.Breakers...)

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	otelCfg.ServiceVersion = Version
	if a.telemetry, err = observability.New(ctx, otelCfg); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.telemetry.Shutdown(context.Background()) })

	notifier, err := newNotifier(cfg)
	if err != nil {
		return nil, err
	}

	a.orchestrator, err = pipeline.New(pipeline.Deps{
		Queue:             a.queue,
		Sources:           built.Sources,
		Limiters:          a.limiters,
		Breakers:          a.breakers,
		Evidence:          a.evidence,
		Observations:      observations,
		Promotions:        a.promotions,
		Policy:            pl.Consensus,
		Notifier:          notifier,
		Audit:             a.audit,
		Telemetry:         a.telemetry,
		ConsensusAttempts: pl.Queue.ConsensusAttempts,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newNotifier(cfg *config.Config) (pipeline.Notifier, error) {
	if cfg.NotifyWebhookURL == "" {
		return pipeline.LogNotifier{}, nil
	}
	return pipeline.NewWebhookNotifier(pipeline.WebhookConfig{
		URL:        cfg.NotifyWebhookURL,
		SigningKey: []byte(cfg.NotifySigningKey),
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/legiswatch/internal/clock/system"
	"github.com/JakeFAU/legiswatch/internal/config"
	"github.com/JakeFAU/legiswatch/internal/extract"
	collyfetcher "github.com/JakeFAU/legiswatch/internal/fetcher/colly"
	"github.com/JakeFAU/legiswatch/internal/hash/sha1"
	"github.com/JakeFAU/legiswatch/internal/id/uuid"
	"github.com/JakeFAU/legiswatch/internal/ledger"
	"github.com/JakeFAU/legiswatch/internal/ledger/postgres"
	"github.com/JakeFAU/legiswatch/internal/ledger/xlsx"
	"github.com/JakeFAU/legiswatch/internal/monitor"
	"github.com/JakeFAU/legiswatch/internal/policy/ratelimit"
	"github.com/JakeFAU/legiswatch/internal/publisher/pubsub"
	"github.com/JakeFAU/legiswatch/internal/resolver"
	"github.com/JakeFAU/legiswatch/internal/scheduler"
	"github.com/JakeFAU/legiswatch/internal/sender"
	"github.com/JakeFAU/legiswatch/internal/storage/gcs"
	"github.com/JakeFAU/legiswatch/internal/storage/local"
)

// App holds all the shared, long-lived services for the application.
// It is built once at startup and closed by the CLI after the command ends.
type App struct {
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	sender    *sender.Process
	jobs      []scheduler.Job
	closers   []func() error
}

// New wires every service described by cfg. It fails fast if any of them
// cannot be initialized; services built before the failure are closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clock, err := system.NewIn(cfg.Schedule.Timezone)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.HTTP.RatePerSecond, DefaultBurst: cfg.HTTP.Burst})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTPTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	}, limiter)

	store, err := local.New(local.Config{BaseDir: cfg.Storage.AttachmentDir})
	if err != nil {
		return nil, fmt.Errorf("attachment store: %w", err)
	}
	var resolverOpts []resolver.Option
	if cfg.Storage.GCSBucket != "" {
		archiver, err := a.archiver(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		resolverOpts = append(resolverOpts, resolver.WithArchiver(archiver))
		logger.Info("mirroring attachments to GCS", zap.String("bucket", cfg.Storage.GCSBucket))
	}

	deps := scheduler.Deps{
		Fetcher:   fetcher,
		Extractor: extract.New(sha1.New(), logger.Named("extract")),
		Resolver:  resolver.New(fetcher, store, logger.Named("resolver"), resolverOpts...),
		Clock:     clock,
		IDs:       uuid.New(),
		Retry: scheduler.NewExponentialRetryPolicy(
			cfg.HTTP.MaxAttempts,
			time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
		),
	}

	a.sender = sender.New(sender.Config{
		Interpreter: cfg.Sender.Interpreter,
		VersionArgs: cfg.Sender.VersionArgs,
		Scripts:     cfg.Sender.Scripts,
		Required:    cfg.Sender.Required,
		WaitDelay:   time.Duration(cfg.Sender.WaitDelaySeconds) * time.Second,
	}, logger.Named("sender"))
	deps.Dispatcher = a.sender

	if cfg.PubSub.ProjectID != "" {
		pub, err := pubsub.Connect(ctx, pubsub.Config{ProjectID: cfg.PubSub.ProjectID, Topic: cfg.PubSub.TopicName})
		if err != nil {
			return nil, fmt.Errorf("dispatch events: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		deps.Publisher = pub
		logger.Info("publishing dispatch events", zap.String("topic", cfg.PubSub.TopicName))
	}

	if a.jobs, err = a.buildJobs(ctx, cfg); err != nil {
		return nil, err
	}

	a.scheduler, err = scheduler.New(deps, scheduler.Config{
		DefaultInterval: cfg.DefaultInterval(),
		DispatchPause:   cfg.DispatchPause(),
		Topic:           cfg.PubSub.TopicName,
		PushGateway:     cfg.Metrics.PushGateway,
		PushJob:         cfg.Metrics.Job,
	}, logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}
	logger.Info("application services initialized", zap.Int("sources", len(a.jobs)), zap.String("ledger", cfg.Ledger.Backend))
	return a, nil
}

func (a *App) archiver(ctx context.Context, cfg config.StorageConfig) (monitor.Archiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	blob, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
	if err != nil {
		return nil, fmt.Errorf("gcs archive: %w", err)
	}
	return blob, nil
}

// buildJobs compiles each source and opens the ledger that owns its keys.
func (a *App) buildJobs(ctx context.Context, cfg config.Config) ([]scheduler.Job, error) {
	var open func(src config.SourceConfig) (monitor.Ledger, error)

	switch cfg.Ledger.Backend {
	case config.LedgerPostgres:
		conn, err := postgres.Connect(ctx, postgres.PoolConfig{DSN: cfg.Ledger.DSN, MaxConns: int32(cfg.Ledger.MaxConns)}) //nolint:gosec // bounded by config
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { conn.Close(); return nil })
		open = func(src config.SourceConfig) (monitor.Ledger, error) {
			return postgres.New(conn, cfg.Ledger.Table, src.Name)
		}
	case config.LedgerMemory:
		open = func(config.SourceConfig) (monitor.Ledger, error) {
			return ledger.NewMemory(), nil
		}
	default:
		open = func(src config.SourceConfig) (monitor.Ledger, error) {
			return xlsx.New(xlsx.Config{
				Path:   cfg.LedgerPath(src),
				Sheet:  src.Ledger.Sheet,
				Header: src.Ledger.Header,
			})
		}
	}

	jobs := make([]scheduler.Job, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src, err := sc.Build()
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		led, err := open(sc)
		if err != nil {
			return nil, fmt.Errorf("ledger for %s: %w", sc.Name, err)
		}
		jobs = append(jobs, scheduler.Job{Source: src, Ledger: led})
	}
	return jobs, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Jobs returns the configured jobs in order.
func (a *App) Jobs() []scheduler.Job {
	return a.jobs
}

// Run polls every source until ctx ends, or once when once is set.
func (a *App) Run(ctx context.Context, once bool) error {
	if err := a.sender.Check(ctx); err != nil {
		a.logger.Warn("sender prerequisites missing; dispatches will fail until fixed", zap.Error(err))
	}
	if once {
		return a.scheduler.RunOnce(ctx, a.jobs)
	}
	err := a.scheduler.Run(ctx, a.jobs)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// CheckSender verifies the external sender can be invoked.
func (a *App) CheckSender(ctx context.Context) error {
	return a.sender.Check(ctx)
}

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

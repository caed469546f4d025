// Package scheduler drives poll cycles: paginated fetch, extraction, dedupe,
// attachment resolution, dispatch and persistence, then sleeps until the
// next source is due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/legiswatch/internal/metrics"
	"github.com/JakeFAU/legiswatch/internal/monitor"
)

// Job pairs a source with the ledger that owns its keys.
type Job struct {
	Source monitor.ListingSource
	Ledger monitor.Ledger
}

// Config tunes cycle-wide behavior.
type Config struct {
	// DefaultInterval applies to sources without their own interval.
	DefaultInterval time.Duration
	// DispatchPause separates consecutive dispatches within a cycle.
	DispatchPause time.Duration
	// Topic receives one dispatch event per attempt when a publisher is set.
	Topic string
	// PushGateway, when set, receives the metrics registry after each cycle.
	PushGateway string
	// PushJob names the Pushgateway job.
	PushJob string
}

// Deps are the collaborators of a Scheduler. Publisher is optional.
type Deps struct {
	Fetcher    monitor.Fetcher
	Extractor  monitor.Extractor
	Resolver   monitor.Resolver
	Dispatcher monitor.Dispatcher
	Publisher  monitor.Publisher
	Clock      monitor.Clock
	IDs        monitor.IDGenerator
	Retry      RetryPolicy
}

// Scheduler runs jobs one at a time on a single goroutine.
type Scheduler struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Scheduler.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("scheduler requires a fetcher")
	case deps.Extractor == nil:
		return nil, errors.New("scheduler requires an extractor")
	case deps.Resolver == nil:
		return nil, errors.New("scheduler requires a resolver")
	case deps.Dispatcher == nil:
		return nil, errors.New("scheduler requires a dispatcher")
	case deps.Clock == nil:
		return nil, errors.New("scheduler requires a clock")
	case deps.IDs == nil:
		return nil, errors.New("scheduler requires an id generator")
	}
	if deps.Retry == nil {
		deps.Retry = NewExponentialRetryPolicy(0, 0, 0)
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 5 * time.Minute
	}
	if cfg.PushJob == "" {
		cfg.PushJob = "legiswatch"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run executes each job whenever it is due and sleeps until the earliest
// next one. It returns only when ctx is done.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return errors.New("no jobs to run")
	}
	due := make([]time.Time, len(jobs))
	start := s.deps.Clock.Now()
	for i := range due {
		due[i] = start
	}

	for {
		next := 0
		for i := range due {
			if due[i].Before(due[next]) {
				next = i
			}
		}
		if wait := due[next].Sub(s.deps.Clock.Now()); wait > 0 {
			s.logger.Debug("sleeping", zap.String("source", jobs[next].Source.Name), zap.Duration("wait", wait))
			if err := s.sleep(ctx, wait); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.runSafely(ctx, jobs[next])
		if err := ctx.Err(); err != nil {
			return err
		}
		due[next] = s.deps.Clock.Now().Add(s.interval(jobs[next].Source))
	}
}

// RunOnce runs a single cycle of every job in order.
func (s *Scheduler) RunOnce(ctx context.Context, jobs []Job) error {
	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.runSafely(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Source.Name, err))
		}
	}
	return errors.Join(errs...)
}

// runSafely isolates one cycle: errors and panics are logged and end there.
func (s *Scheduler) runSafely(ctx context.Context, job Job) (report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			report.Status = StatusPanic
			s.logger.Error("cycle panicked",
				zap.String("source", job.Source.Name),
				zap.String("cycle_id", report.CycleID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			metrics.ObserveCycle(job.Source.Name, StatusPanic, 0, s.deps.Clock.Now())
		}
	}()
	report, err = s.RunCycle(ctx, job)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("cycle failed",
			zap.String("source", job.Source.Name),
			zap.String("cycle_id", report.CycleID),
			zap.Error(err),
		)
	}
	return report, err
}

func (s *Scheduler) interval(src monitor.ListingSource) time.Duration {
	if src.Interval > 0 {
		return src.Interval
	}
	return s.cfg.DefaultInterval
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.deps.Clock.After(d):
		return nil
	}
}

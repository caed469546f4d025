package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/legiswatch/internal/metrics"
	"github.com/JakeFAU/legiswatch/internal/monitor"
)

// Cycle statuses.
const (
	StatusOK       = "ok"
	StatusPartial  = "partial"
	StatusError    = "error"
	StatusCanceled = "canceled"
	StatusPanic    = "panic"
)

// Stop reasons for pagination.
const (
	StopSinglePage = "single_page"
	StopEmpty      = "empty"
	StopCutoff     = "cutoff"
	StopMaxPages   = "max_pages"
	StopPageFailed = "page_failed"
	StopParse      = "parse_error"
)

// Report summarizes one cycle.
type Report struct {
	CycleID    string
	Source     string
	Pages      int
	Fragments  int
	Seen       int
	Dispatched int
	Failed     int
	Stop       string
	Status     string
}

type cycle struct {
	*Scheduler
	job     Job
	report  *Report
	now     time.Time
	logger  *zap.Logger
	pending bool
}

// RunCycle performs one full pass over a source. Per-page and per-item
// failures are logged and absorbed; the returned error covers ledger
// failures and cancellation.
func (s *Scheduler) RunCycle(ctx context.Context, job Job) (Report, error) {
	src := job.Source
	report := Report{Source: src.Name}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return report, fmt.Errorf("cycle id: %w", err)
	}
	report.CycleID = id
	c := &cycle{
		Scheduler: s,
		job:       job,
		report:    &report,
		now:       s.deps.Clock.Now(),
		logger:    s.logger.With(zap.String("source", src.Name), zap.String("cycle_id", id)),
	}

	err = c.run(ctx)
	switch {
	case ctx.Err() != nil:
		report.Status = StatusCanceled
		err = ctx.Err()
	case err != nil:
		report.Status = StatusError
	case report.Stop == StopPageFailed || report.Stop == StopParse:
		report.Status = StatusPartial
	default:
		report.Status = StatusOK
	}

	finished := s.deps.Clock.Now()
	metrics.ObserveCycle(src.Name, report.Status, finished.Sub(c.now), finished)
	c.logger.Info("cycle finished",
		zap.String("status", report.Status),
		zap.String("stop", report.Stop),
		zap.Int("pages", report.Pages),
		zap.Int("fragments", report.Fragments),
		zap.Int("seen", report.Seen),
		zap.Int("dispatched", report.Dispatched),
		zap.Int("failed", report.Failed),
	)
	if s.cfg.PushGateway != "" && report.Status != StatusCanceled {
		if pushErr := metrics.Push(ctx, s.cfg.PushGateway, s.cfg.PushJob); pushErr != nil {
			c.logger.Warn("metrics push failed", zap.Error(pushErr))
		}
	}
	return report, err
}

func (c *cycle) run(ctx context.Context) error {
	src := c.job.Source
	if err := c.job.Ledger.Load(ctx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	page := src.FirstPage
	if page <= 0 {
		page = 1
	}
	for ; ; page++ {
		if src.MaxPages > 0 && c.report.Pages >= src.MaxPages {
			c.report.Stop = StopMaxPages
			return nil
		}
		stop, err := c.page(ctx, page)
		if err != nil {
			return err
		}
		if stop != "" {
			c.report.Stop = stop
			return nil
		}
		if !src.Paginated() {
			c.report.Stop = StopSinglePage
			return nil
		}
	}
}

// page processes one listing page and returns a non-empty stop reason when
// pagination must end.
func (c *cycle) page(ctx context.Context, page int) (string, error) {
	src := c.job.Source
	logger := c.logger.With(zap.Int("page", page))
	req, err := src.PageRequest(page)
	if err != nil {
		return "", fmt.Errorf("page request: %w", err)
	}
	doc, err := c.fetch(ctx, req, logger)
	c.report.Pages++
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		metrics.ObservePage(src.Name, req.URL, "error", 0)
		logger.Warn("page fetch failed", zap.String("stage", "fetch"), zap.String("url", req.URL), zap.Error(err))
		return StopPageFailed, nil
	}
	metrics.ObservePage(src.Name, req.URL, "ok", len(doc.Body))

	extraction, err := c.deps.Extractor.Extract(doc, src)
	if err != nil {
		logger.Warn("page parse failed", zap.String("stage", "extract"), zap.Error(err))
		return StopParse, nil
	}
	if extraction.Fragments() == 0 {
		return StopEmpty, nil
	}
	c.report.Fragments += extraction.Fragments()

	for _, entry := range extraction.Entries {
		if src.Stale(entry.Date, c.now) {
			logger.Debug("cutoff reached", zap.Time("date", *entry.Date))
			return StopCutoff, nil
		}
		if entry.Item == nil {
			metrics.ObserveItem(src.Name, entry.Reason)
			continue
		}
		if err := c.item(ctx, *entry.Item, logger); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (c *cycle) fetch(ctx context.Context, req monitor.FetchRequest, logger *zap.Logger) (monitor.Document, error) {
	for attempt := 1; ; attempt++ {
		doc, err := c.deps.Fetcher.Fetch(ctx, req)
		if err == nil {
			return doc, nil
		}
		if ctx.Err() != nil || !c.deps.Retry.ShouldRetry(err, attempt) {
			return monitor.Document{}, err
		}
		wait := c.deps.Retry.Backoff(attempt)
		logger.Debug("retrying page", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		if sleepErr := c.sleep(ctx, wait); sleepErr != nil {
			return monitor.Document{}, sleepErr
		}
	}
}

// item handles one candidate: skip when every key is known, otherwise
// resolve, dispatch and persist all keys.
func (c *cycle) item(ctx context.Context, item monitor.CandidateItem, logger *zap.Logger) error {
	src := c.job.Source
	logger = logger.With(zap.String("key", item.Key))
	if !c.isNew(item) {
		c.report.Seen++
		metrics.ObserveItem(src.Name, "seen")
		return nil
	}
	metrics.ObserveItem(src.Name, "new")

	attachment, err := c.deps.Resolver.Resolve(ctx, item, src)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("attachment lookup failed", zap.String("stage", "resolve"), zap.Error(err))
		attachment = monitor.AttachmentResult{}
	}
	metrics.ObserveAttachment(src.Name, attachment.Found())

	message := c.render(item, logger)
	if c.pending {
		if err := c.sleep(ctx, c.cfg.DispatchPause); err != nil {
			return err
		}
	}
	req := monitor.DispatchRequest{
		Recipients: src.RecipientsAt(c.deps.Clock.Now()),
		Message:    message,
	}
	if attachment.Found() {
		req.Attachment = attachment.Path
	}

	code, dispatchErr := c.deps.Dispatcher.Dispatch(ctx, req)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.pending = true
	status := monitor.DispatchStatus(dispatchErr)
	metrics.ObserveDispatch(src.Name, status)
	if dispatchErr != nil {
		c.report.Failed++
		logger.Warn("dispatch failed", zap.String("stage", "dispatch"), zap.String("status", status), zap.Int("exit_code", code), zap.Error(dispatchErr))
	} else {
		c.report.Dispatched++
		logger.Info("item dispatched", zap.Bool("attachment", req.Attachment != ""), zap.Int("recipients", len(req.Recipients)))
	}

	at := c.deps.Clock.Now()
	for _, key := range item.Keys() {
		if c.job.Ledger.Contains(key) {
			continue
		}
		if err := c.job.Ledger.Record(ctx, key, at); err != nil {
			return fmt.Errorf("persist key %q: %w", key, err)
		}
	}
	c.publish(ctx, item, status, code, req.Attachment, at, logger)
	return nil
}

func (c *cycle) isNew(item monitor.CandidateItem) bool {
	for _, key := range item.Keys() {
		if !c.job.Ledger.Contains(key) {
			return true
		}
	}
	return false
}

func (c *cycle) render(item monitor.CandidateItem, logger *zap.Logger) string {
	if c.job.Source.Message != nil {
		msg, err := c.job.Source.Message(item)
		if err == nil && strings.TrimSpace(msg) != "" {
			return msg
		}
		if err != nil {
			logger.Warn("message template failed", zap.String("stage", "render"), zap.Error(err))
		}
	}
	return DefaultMessage(item)
}

func (c *cycle) publish(ctx context.Context, item monitor.CandidateItem, status string, code int, attachment string, at time.Time, logger *zap.Logger) {
	if c.deps.Publisher == nil {
		return
	}
	event := monitor.DispatchEvent{
		Source:     c.job.Source.Name,
		Key:        item.Key,
		Status:     status,
		ExitCode:   code,
		Attachment: attachment,
		CycleID:    c.report.CycleID,
		At:         at.UTC(),
	}
	if _, err := c.deps.Publisher.Publish(ctx, c.cfg.Topic, event); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("dispatch event publish failed", zap.Error(err))
	}
}

// DefaultMessage is the notification text used when a source has no template.
func DefaultMessage(item monitor.CandidateItem) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(item.Title))
	if d := strings.TrimSpace(item.Description); d != "" {
		b.WriteString("\n\n" + d)
	}
	if item.SourceLink != "" {
		b.WriteString("\n\n" + item.SourceLink)
	}
	return b.String()
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/JakeFAU/legiswatch/internal/monitor"
)

type fakeFetcher struct {
	mu    sync.Mutex
	errs  map[string][]error
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req monitor.FetchRequest) (monitor.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if err := ctx.Err(); err != nil {
		return monitor.Document{}, err
	}
	if queue := f.errs[req.URL]; len(queue) > 0 {
		err := queue[0]
		f.errs[req.URL] = queue[1:]
		return monitor.Document{}, err
	}
	return monitor.Document{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("<html></html>")}, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeExtractor struct {
	mu     sync.Mutex
	pages  map[string]monitor.Extraction
	err    error
	panics int
	calls  int
}

func (e *fakeExtractor) Extract(doc monitor.Document, _ monitor.ListingSource) (monitor.Extraction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.panics > 0 {
		e.panics--
		panic("selector blew up")
	}
	if e.err != nil {
		return monitor.Extraction{}, e.err
	}
	return e.pages[doc.URL], nil
}

type fakeResolver struct {
	results map[string]monitor.AttachmentResult
	calls   []string
}

func (r *fakeResolver) Resolve(ctx context.Context, item monitor.CandidateItem, _ monitor.ListingSource) (monitor.AttachmentResult, error) {
	r.calls = append(r.calls, item.Key)
	if err := ctx.Err(); err != nil {
		return monitor.AttachmentResult{}, err
	}
	return r.results[item.Key], nil
}

type dispatchOutcome struct {
	code int
	err  error
}

type fakeDispatcher struct {
	outcomes []dispatchOutcome
	requests []monitor.DispatchRequest
	hook     func(n int)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req monitor.DispatchRequest) (int, error) {
	d.requests = append(d.requests, req)
	if d.hook != nil {
		d.hook(len(d.requests))
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if len(d.outcomes) == 0 {
		return 0, nil
	}
	out := d.outcomes[0]
	d.outcomes = d.outcomes[1:]
	return out.code, out.err
}

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 8, 5, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type fakeIDs struct{ n int }

func (g *fakeIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("cycle-%d", g.n), nil
}

type brokenLedger struct{}

func (brokenLedger) Load(context.Context) error { return errors.New("workbook locked") }
func (brokenLedger) Contains(string) bool { return false }
func (brokenLedger) Record(context.Context, string, time.Time) error { return nil }

// noRetry keeps page failures deterministic.
type noRetry struct{}

func (noRetry) ShouldRetry(error, int) bool { return false }
func (noRetry) Backoff(int) time.Duration { return 0 }

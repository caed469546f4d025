package scheduler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/legiswatch/internal/ledger"
	"github.com/JakeFAU/legiswatch/internal/monitor"
	"github.com/JakeFAU/legiswatch/internal/publisher/memory"
)

const (
	page1 = "https://example.gov/list?pagina=1"
	page2 = "https://example.gov/list?pagina=2"
	page3 = "https://example.gov/list?pagina=3"
)

type harness struct {
	fetcher    *fakeFetcher
	extractor  *fakeExtractor
	resolver   *fakeResolver
	dispatcher *fakeDispatcher
	publisher  *memory.Publisher
	clock      *fakeClock
	cfg        Config
	retry      RetryPolicy
}

func newHarness() *harness {
	return &harness{
		fetcher:    &fakeFetcher{errs: map[string][]error{}},
		extractor:  &fakeExtractor{pages: map[string]monitor.Extraction{}},
		resolver:   &fakeResolver{results: map[string]monitor.AttachmentResult{}},
		dispatcher: &fakeDispatcher{},
		publisher:  memory.New(),
		clock:      newFakeClock(),
		cfg:        Config{Topic: "dispatches"},
		retry:      noRetry{},
	}
}

func (h *harness) scheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(Deps{
		Fetcher:    h.fetcher,
		Extractor:  h.extractor,
		Resolver:   h.resolver,
		Dispatcher: h.dispatcher,
		Publisher:  h.publisher,
		Clock:      h.clock,
		IDs:        &fakeIDs{},
		Retry:      h.retry,
	}, h.cfg, zap.NewNop())
	require.NoError(t, err)
	return s
}

func source() monitor.ListingSource {
	return monitor.ListingSource{
		Name:       "avulsos",
		URL:        "https://example.gov/list",
		PageParam:  "pagina",
		Recipients: []string{"5585000000001"},
		Cutoff:     monitor.Cutoff{Kind: monitor.CutoffFixed, Date: time.Date(2025, 7, 5, 0, 0, 0, 0, time.UTC)},
	}
}

func day(d int) *time.Time {
	t := time.Date(2025, 8, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func itemEntry(key string, date *time.Time) monitor.Entry {
	return monitor.Entry{Date: date, Item: &monitor.CandidateItem{Key: key, Title: "Mensagem " + key, Date: date}}
}

func keys(l *ledger.Memory) []string {
	var out []string
	for _, r := range l.Rows() {
		out = append(out, r.Key)
	}
	return out
}

func TestRunCycleIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{
		itemEntry("85/2025_MSG85", day(5)),
		{Date: day(5), Reason: "keyword"},
		itemEntry("86/2025", day(4)),
	}}
	s := h.scheduler(t)
	led := ledger.NewMemory()
	job := Job{Source: source(), Ledger: led}

	report, err := s.RunCycle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, StopEmpty, report.Stop)
	assert.Equal(t, 2, report.Pages)
	assert.Equal(t, 2, report.Dispatched)

	report, err = s.RunCycle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Dispatched)
	assert.Equal(t, 2, report.Seen)

	assert.Len(t, h.dispatcher.requests, 2, "each key dispatched at most once across cycles")
	assert.Equal(t, []string{"85/2025_MSG85", "86/2025"}, keys(led))
	assert.Equal(t, "cycle-2", report.CycleID)
}

func TestRunCycleSkipsKnownKey(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{itemEntry("85/2025", day(5))}}
	s := h.scheduler(t)

	report, err := s.RunCycle(context.Background(), Job{Source: source(), Ledger: ledger.NewMemory("85/2025")})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Seen)
	assert.Empty(t, h.resolver.calls, "known keys never reach the resolver")
	assert.Empty(t, h.dispatcher.requests)
	assert.Empty(t, h.publisher.Events())
}

func TestRunCycleStopsAtCutoff(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{itemEntry("1/2025", day(5))}}
	h.extractor.pages[page2] = monitor.Extraction{Entries: []monitor.Entry{
		itemEntry("2/2025", day(1)),
		itemEntry("3/2025", func() *time.Time { d := time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC); return &d }()),
		itemEntry("4/2025", day(1)),
	}}
	h.extractor.pages[page3] = monitor.Extraction{Entries: []monitor.Entry{itemEntry("5/2025", day(1))}}
	s := h.scheduler(t)
	led := ledger.NewMemory()

	report, err := s.RunCycle(context.Background(), Job{Source: source(), Ledger: led})
	require.NoError(t, err)
	assert.Equal(t, StopCutoff, report.Stop)
	assert.Equal(t, []string{page1, page2}, h.fetcher.Calls(), "page after the cutoff is never fetched")
	assert.Equal(t, []string{"1/2025", "2/2025"}, keys(led))
}

func TestRunCycleMaxPagesAndSinglePage(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{itemEntry("1/2025", day(5))}}
	h.extractor.pages[page2] = monitor.Extraction{Entries: []monitor.Entry{itemEntry("2/2025", day(5))}}
	s := h.scheduler(t)

	src := source()
	src.MaxPages = 1
	report, err := s.RunCycle(context.Background(), Job{Source: src, Ledger: ledger.NewMemory()})
	require.NoError(t, err)
	assert.Equal(t, StopMaxPages, report.Stop)
	assert.Equal(t, 1, report.Pages)

	single := source()
	single.PageParam = ""
	single.URL = "https://example.gov/list?pagina=1"
	report, err = s.RunCycle(context.Background(), Job{Source: single, Ledger: ledger.NewMemory()})
	require.NoError(t, err)
	assert.Equal(t, StopSinglePage, report.Stop)
}

func TestRunCycleRecordsAfterFailedDispatch(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{
		itemEntry("85/2025", day(5)),
		itemEntry("86/2025", day(5)),
	}}
	h.dispatcher.outcomes = []dispatchOutcome{
		{code: 1, err: &monitor.DispatchFailed{ExitCode: 1}},
		{code: -1, err: &monitor.SenderUnavailable{Reason: "node not found"}},
	}
	s := h.scheduler(t)
	led := ledger.NewMemory()
	job := Job{Source: source(), Ledger: led}

	report, err := s.RunCycle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, []string{"85/2025", "86/2025"}, keys(led))

	_, err = s.RunCycle(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, h.dispatcher.requests, 2, "failed deliveries are not retried")

	events := h.publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "failed", events[0].Status)
	assert.Equal(t, 1, events[0].ExitCode)
	assert.Equal(t, "sender_unavailable", events[1].Status)
	assert.Equal(t, "cycle-1", events[0].CycleID)
	assert.Equal(t, "dispatches", h.publisher.Messages()[0].Topic)
}

func TestRunCycleRelatedKeys(t *testing.T) {
	t.Parallel()

	h := newHarness()
	entry := itemEntry("85/2025", day(5))
	entry.Item.RelatedKeys = []string{"86/2025"}
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{entry}}
	s := h.scheduler(t)
	led := ledger.NewMemory("85/2025")

	report, err := s.RunCycle(context.Background(), Job{Source: source(), Ledger: led})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dispatched, "an unseen related key makes the item new")
	assert.Equal(t, []string{"85/2025", "86/2025"}, keys(led))
}

func TestRunCycleCancelDuringDispatchPersistsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{itemEntry("85/2025", day(5))}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dispatcher.hook = func(int) { cancel() }
	s := h.scheduler(t)
	led := ledger.NewMemory()

	report, err := s.RunCycle(ctx, Job{Source: source(), Ledger: led})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCanceled, report.Status)
	assert.Empty(t, led.Rows())
	assert.Empty(t, h.publisher.Events())
}

func TestRunCycleRetriesServerErrors(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.retry = NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond)
	h.fetcher.errs[page1] = []error{
		&monitor.TransportError{URL: page1, StatusCode: http.StatusServiceUnavailable, Err: errors.New("unavailable")},
		&monitor.TransportError{URL: page1, StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")},
	}
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{itemEntry("85/2025", day(5))}}
	s := h.scheduler(t)

	report, err := s.RunCycle(context.Background(), Job{Source: source(), Ledger: ledger.NewMemory()})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, []string{page1, page1, page1, page2}, h.fetcher.Calls())
	assert.Len(t, h.clock.Waits(), 2)
}

func TestRunCyclePageFailureEndsPagination(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.retry = NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond)
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{itemEntry("1/2025", day(5))}}
	h.fetcher.errs[page2] = []error{&monitor.TransportError{URL: page2, StatusCode: http.StatusNotFound, Err: errors.New("gone")}}
	s := h.scheduler(t)

	report, err := s.RunCycle(context.Background(), Job{Source: source(), Ledger: ledger.NewMemory()})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, StopPageFailed, report.Stop)
	assert.Equal(t, []string{page1, page2}, h.fetcher.Calls(), "4xx is not retried")
	assert.Equal(t, 1, report.Dispatched)
}

func TestRunCycleParseErrorYieldsNoItems(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.extractor.err = &monitor.ParseError{URL: page1, Err: errors.New("unsupported mode")}
	s := h.scheduler(t)

	report, err := s.RunCycle(context.Background(), Job{Source: source(), Ledger: ledger.NewMemory()})
	require.NoError(t, err)
	assert.Equal(t, StopParse, report.Stop)
	assert.Empty(t, h.dispatcher.requests)
}

func TestRunCycleDispatchRequest(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.cfg.DispatchPause = 2 * time.Second
	first := itemEntry("85/2025", day(5))
	first.Item.Description = "Dispõe sobre a LDO"
	first.Item.SourceLink = "https://example.gov/85.pdf"
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{first, itemEntry("86/2025", day(5))}}
	h.resolver.results["85/2025"] = monitor.AttachmentResult{Path: "/data/avulsos/2025_85.pdf", Size: 10240, Origin: "https://example.gov/85.pdf"}
	s := h.scheduler(t)

	src := source()
	src.Late = &monitor.LateRecipients{After: 16 * time.Hour, Recipients: []string{"late"}}
	calls := 0
	src.Message = func(item monitor.CandidateItem) (string, error) {
		calls++
		if item.Key == "86/2025" {
			return "", errors.New("template field missing")
		}
		return "Nova mensagem " + item.Key, nil
	}

	_, err := s.RunCycle(context.Background(), Job{Source: src, Ledger: ledger.NewMemory()})
	require.NoError(t, err)
	require.Len(t, h.dispatcher.requests, 2)

	assert.Equal(t, monitor.DispatchRequest{
		Recipients: []string{"5585000000001"},
		Message:    "Nova mensagem 85/2025",
		Attachment: "/data/avulsos/2025_85.pdf",
	}, h.dispatcher.requests[0])
	assert.Equal(t, "Mensagem 86/2025", h.dispatcher.requests[1].Message, "failed template falls back to the default text")
	assert.Empty(t, h.dispatcher.requests[1].Attachment)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.Waits(), "pause only between dispatches")
	assert.Equal(t, 2, calls)
}

func TestRunCycleLedgerLoadFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	s := h.scheduler(t)
	report, err := s.RunCycle(context.Background(), Job{Source: source(), Ledger: brokenLedger{}})
	require.Error(t, err)
	assert.Equal(t, StatusError, report.Status)
	assert.Empty(t, h.fetcher.Calls())
}

func TestRunRecoversPanicsAndSleeps(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.extractor.panics = 1
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{itemEntry("85/2025", day(5))}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dispatcher.hook = func(int) { cancel() }
	s := h.scheduler(t)

	src := source()
	src.Interval = 10 * time.Minute
	err := s.Run(ctx, []Job{{Source: src, Ledger: ledger.NewMemory()}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, h.extractor.calls, "the cycle after a panic runs normally")
	assert.Contains(t, h.clock.Waits(), 10*time.Minute)
}

func TestRunInterleavesSourcesByDueTime(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var order []string
	s := h.scheduler(t)

	fast := monitor.ListingSource{Name: "fast", URL: "https://example.gov/fast", Interval: time.Minute}
	slow := monitor.ListingSource{Name: "slow", URL: "https://example.gov/slow", Interval: 3 * time.Minute}
	recorder := &recordingLedger{Memory: ledger.NewMemory(), onLoad: func(name string) {
		order = append(order, name)
		if len(order) == 6 {
			cancel()
		}
	}}
	fastLedger := &namedLedger{recordingLedger: recorder, name: "fast"}
	slowLedger := &namedLedger{recordingLedger: recorder, name: "slow"}

	err := s.Run(ctx, []Job{{Source: fast, Ledger: fastLedger}, {Source: slow, Ledger: slowLedger}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"fast", "slow", "fast", "fast", "fast", "slow"}, order)
}

func TestRunOnceJoinsErrors(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.extractor.pages[page1] = monitor.Extraction{Entries: []monitor.Entry{itemEntry("85/2025", day(5))}}
	s := h.scheduler(t)

	broken := source()
	broken.Name = "expediente"
	err := s.RunOnce(context.Background(), []Job{
		{Source: broken, Ledger: brokenLedger{}},
		{Source: source(), Ledger: ledger.NewMemory()},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expediente")
	assert.Len(t, h.dispatcher.requests, 1, "a failing source does not stop the others")
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)

	h := newHarness()
	s := h.scheduler(t)
	assert.Equal(t, 5*time.Minute, s.cfg.DefaultInterval)
	assert.Equal(t, "legiswatch", s.cfg.PushJob)
	require.Error(t, s.Run(context.Background(), nil))
}

func TestDefaultMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Mensagem 85/2025\n\nDispõe sobre\n\nhttps://example.gov/85",
		DefaultMessage(monitor.CandidateItem{Title: " Mensagem 85/2025 ", Description: "Dispõe sobre", SourceLink: "https://example.gov/85"}))
	assert.Equal(t, "Mensagem", DefaultMessage(monitor.CandidateItem{Title: "Mensagem"}))
}

type recordingLedger struct {
	*ledger.Memory
	onLoad func(name string)
}

type namedLedger struct {
	*recordingLedger
	name string
}

func (l *namedLedger) Load(ctx context.Context) error {
	l.onLoad(l.name)
	return l.Memory.Load(ctx)
}

// Package collyfetcher implements monitor.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/legiswatch/internal/monitor"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxBodySize = 32 << 20
)

// ErrTruncated marks a response body that did not arrive complete.
var ErrTruncated = errors.New("response body truncated")

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Pacer delays a request until the target host may be contacted again.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements monitor.Fetcher using the Colly collector.
type Fetcher struct {
	cfg   Config
	pacer Pacer
	// Clones share their parent's backend, so TLS verification is split
	// across two parents and never toggled on a clone.
	secure   *colly.Collector
	insecure *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil pacer disables pacing.
func New(cfg Config, pacer Pacer) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	return &Fetcher{
		cfg:      cfg,
		pacer:    pacer,
		secure:   newBaseCollector(cfg, newHTTPTransport(false)),
		insecure: newBaseCollector(cfg, newHTTPTransport(true)),
	}
}

func newBaseCollector(cfg Config, transport http.RoundTripper) *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	return c
}

// Fetch executes one GET or form POST. Non-2xx answers and network faults
// are returned as *monitor.TransportError; nothing is retried here.
func (f *Fetcher) Fetch(ctx context.Context, request monitor.FetchRequest) (monitor.Document, error) {
	if f.pacer != nil {
		if err := f.pacer.Wait(ctx, request.URL); err != nil {
			return monitor.Document{}, fmt.Errorf("pace %s: %w", request.URL, err)
		}
	}

	var (
		result   monitor.Document
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return monitor.Document{}, fmt.Errorf("colly fetch canceled: %w", ctxErr)
		}
		var te *monitor.TransportError
		if errors.As(err, &te) {
			return monitor.Document{}, te
		}
		return monitor.Document{}, &monitor.TransportError{URL: request.URL, Err: err}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request monitor.FetchRequest,
	start time.Time,
	result *monitor.Document,
	fetchErr *error,
) *colly.Collector {
	base := f.secure
	if request.Insecure {
		base = f.insecure
	}
	collector := base.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request monitor.FetchRequest,
	start time.Time,
	result *monitor.Document,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		finalURL := request.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		if r.StatusCode < 200 || r.StatusCode > 299 {
			*fetchErr = &monitor.TransportError{
				URL:        request.URL,
				StatusCode: r.StatusCode,
				Err:        errors.New(http.StatusText(r.StatusCode)),
			}
			return
		}
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		if err := f.truncated(r.Body, headers); err != nil {
			*fetchErr = &monitor.TransportError{URL: request.URL, StatusCode: r.StatusCode, Err: err}
			return
		}
		*result = monitor.Document{
			URL:        request.URL,
			FinalURL:   finalURL,
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if *fetchErr != nil {
			return
		}
		te := &monitor.TransportError{URL: request.URL, Err: err}
		if r != nil {
			te.StatusCode = r.StatusCode
		}
		*fetchErr = te
	})
}

// truncated reports a body colly cut at MaxBodySize, or one shorter than
// its declared Content-Length.
func (f *Fetcher) truncated(body []byte, headers http.Header) error {
	if f.cfg.MaxBodySize > 0 && len(body) >= f.cfg.MaxBodySize {
		return fmt.Errorf("%w: body reached max size of %d bytes", ErrTruncated, f.cfg.MaxBodySize)
	}
	if headers == nil {
		return nil
	}
	if raw := headers.Get("Content-Length"); raw != "" {
		declared, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && declared > int64(len(body)) {
			return fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, len(body), declared)
		}
	}
	return nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, request monitor.FetchRequest, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		switch strings.ToUpper(request.Method) {
		case "", http.MethodGet:
			done <- collector.Visit(request.URL)
		case http.MethodPost:
			done <- collector.Post(request.URL, request.Form)
		default:
			done <- fmt.Errorf("unsupported method %q", request.Method)
		}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func copyHeaders(request monitor.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(insecure bool) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per source
	}
	return t
}

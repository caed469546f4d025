// Package metrics exposes Prometheus collectors for the listing monitor.
package metrics

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	cyclesTotal          *prometheus.CounterVec
	cycleDurationSeconds *prometheus.HistogramVec
	lastCycleTimestamp   *prometheus.GaugeVec
	pagesTotal           *prometheus.CounterVec
	bytesTotal           *prometheus.CounterVec
	itemsTotal           *prometheus.CounterVec
	attachmentsTotal     *prometheus.CounterVec
	dispatchesTotal      *prometheus.CounterVec
	pacingDelaySeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legiswatch_cycles_total",
				Help: "Total number of poll cycles, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		cycleDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legiswatch_cycle_duration_seconds",
				Help:    "Histogram of poll cycle durations, labeled by source.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"source"},
		)

		lastCycleTimestamp = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "legiswatch_last_cycle_timestamp_seconds",
				Help: "Unix time the last cycle of a source finished.",
			},
			[]string{"source"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legiswatch_pages_total",
				Help: "Total number of listing pages fetched, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legiswatch_bytes_total",
				Help: "Total number of listing bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legiswatch_items_total",
				Help: "Total number of listing entries, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		attachmentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legiswatch_attachments_total",
				Help: "Total number of attachment resolutions, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		dispatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legiswatch_dispatches_total",
				Help: "Total number of dispatch attempts, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legiswatch_pacing_delay_seconds",
				Help:    "Histogram of per-host pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveCycle records one finished poll cycle.
func ObserveCycle(source, status string, duration time.Duration, finished time.Time) {
	cyclesTotal.WithLabelValues(source, status).Inc()
	cycleDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
	lastCycleTimestamp.WithLabelValues(source).Set(float64(finished.Unix()))
}

// ObservePage records one listing page fetch.
func ObservePage(source, site, status string, bytesFetched int) {
	pagesTotal.WithLabelValues(source, status).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveItem increments the entry counter for the given outcome.
func ObserveItem(source, outcome string) {
	itemsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveAttachment increments the attachment counter.
func ObserveAttachment(source string, found bool) {
	status := "none"
	if found {
		status = "found"
	}
	attachmentsTotal.WithLabelValues(source, status).Inc()
}

// ObserveDispatch increments the dispatch counter for the given status.
func ObserveDispatch(source, status string) {
	dispatchesTotal.WithLabelValues(source, status).Inc()
}

// ObservePacingDelay records how long a request waited for its host's token.
func ObservePacingDelay(domain string, delay time.Duration) {
	pacingDelaySeconds.WithLabelValues(domain).Observe(delay.Seconds())
}

// Push sends the default registry to a Prometheus Pushgateway.
func Push(ctx context.Context, gatewayURL, job string) error {
	if err := push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if cyclesTotal == nil || pagesTotal == nil || itemsTotal == nil || dispatchesTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveDispatch(t *testing.T) {
	Init()

	before := testutil.ToFloat64(dispatchesTotal.WithLabelValues("metrics-test", "failed"))
	ObserveDispatch("metrics-test", "failed")
	ObserveDispatch("metrics-test", "failed")
	if got := testutil.ToFloat64(dispatchesTotal.WithLabelValues("metrics-test", "failed")); got != before+2 {
		t.Errorf("expected %v dispatches, got %v", before+2, got)
	}
}

func TestObservePageCountsBytesPerSite(t *testing.T) {
	Init()

	ObservePage("metrics-test", "https://Bytes.Example.gov/list", "ok", 512)
	ObservePage("metrics-test", "https://bytes.example.gov/list", "error", 0)
	if got := testutil.ToFloat64(bytesTotal.WithLabelValues("bytes.example.gov")); got != 512 {
		t.Errorf("expected 512 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(pagesTotal.WithLabelValues("metrics-test", "error")); got != 1 {
		t.Errorf("expected 1 failed page, got %v", got)
	}
}

func TestObserveCycleSetsTimestamp(t *testing.T) {
	Init()

	finished := time.Unix(1754400000, 0)
	ObserveCycle("metrics-cycle", "ok", time.Second, finished)
	if got := testutil.ToFloat64(lastCycleTimestamp.WithLabelValues("metrics-cycle")); got != 1754400000 {
		t.Errorf("expected timestamp 1754400000, got %v", got)
	}
}

func TestPush(t *testing.T) {
	Init()
	ObserveItem("metrics-push", "new")

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/metrics/job/legiswatch") {
			t.Errorf("unexpected push path %s", r.URL.Path)
		}
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := Push(context.Background(), srv.URL, "legiswatch"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one push request, got %d", hits.Load())
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}

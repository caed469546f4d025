package monitor

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// PageRequest builds the fetch request for one listing page.
func (s ListingSource) PageRequest(page int) (FetchRequest, error) {
	params := make(map[string]string, len(s.Params)+1)
	for k, v := range s.Params {
		params[k] = v
	}
	if s.Paginated() {
		params[s.PageParam] = strconv.Itoa(page)
	}

	method := strings.ToUpper(strings.TrimSpace(s.Method))
	switch method {
	case "", "GET":
		u, err := url.Parse(s.URL)
		if err != nil {
			return FetchRequest{}, fmt.Errorf("parse source url %q: %w", s.URL, err)
		}
		query := u.Query()
		for k, v := range params {
			query.Set(k, v)
		}
		u.RawQuery = query.Encode()
		return FetchRequest{Method: "GET", URL: u.String(), Insecure: s.InsecureTLS}, nil
	case "POST":
		return FetchRequest{Method: "POST", URL: s.URL, Form: params, Insecure: s.InsecureTLS}, nil
	default:
		return FetchRequest{}, fmt.Errorf("unsupported method %q", s.Method)
	}
}

// CutoffAt resolves the cutoff date for a cycle starting at now.
func (s ListingSource) CutoffAt(now time.Time) (time.Time, bool) {
	switch s.Cutoff.Kind {
	case CutoffFixed:
		return civilDate(s.Cutoff.Date), true
	case CutoffToday:
		return civilDate(now), true
	default:
		return time.Time{}, false
	}
}

// Stale reports whether a fragment date is strictly before the cutoff.
func (s ListingSource) Stale(date *time.Time, now time.Time) bool {
	if date == nil {
		return false
	}
	cutoff, ok := s.CutoffAt(now)
	if !ok {
		return false
	}
	return civilDate(*date).Before(cutoff)
}

// RecipientsAt returns the recipient list in effect at now.
func (s ListingSource) RecipientsAt(now time.Time) []string {
	if s.Late != nil && len(s.Late.Recipients) > 0 {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if now.Sub(midnight) > s.Late.After {
			return s.Late.Recipients
		}
	}
	return s.Recipients
}

// AttachmentName is the deterministic file name for an item's attachment.
func (s ListingSource) AttachmentName(item CandidateItem) string {
	ext := s.AttachmentExt
	if ext == "" {
		ext = ".pdf"
	}
	if item.NumberYear != nil {
		return fmt.Sprintf("%s_%s%s", sanitizeName(item.NumberYear.Year), sanitizeName(item.NumberYear.Number), ext)
	}
	return sanitizeName(item.Key) + ext
}

func sanitizeName(raw string) string {
	name := unsafeNameChars.ReplaceAllString(strings.TrimSpace(raw), "_")
	if name == "" {
		return "item"
	}
	return name
}

// civilDate drops the clock reading so dates compare by calendar day.
func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

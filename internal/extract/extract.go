// Package extract parses fetched listing pages into candidate items.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/legiswatch/internal/identity"
	"github.com/JakeFAU/legiswatch/internal/monitor"
)

// Rejection reasons attached to entries that produced no item.
const (
	ReasonKeyword    = "keyword"
	ReasonIdentity   = "no_identity"
	ReasonDuplicate  = "duplicate"
	ReasonKeyFailure = "key_error"
)

// DateLayout is the day-first date format used by the listings.
const DateLayout = "02/01/2006"

var datePattern = regexp.MustCompile(`\b(\d{2}/\d{2}/\d{4})\b`)

// Extractor implements monitor.Extractor over goquery.
type Extractor struct {
	hasher monitor.Hasher
	logger *zap.Logger
}

// New builds an Extractor. The hasher backs synthetic keys.
func New(hasher monitor.Hasher, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{hasher: hasher, logger: logger}
}

// Extract splits doc into fragments according to the source shape and turns
// each into an entry, preserving document order.
func (e *Extractor) Extract(doc monitor.Document, source monitor.ListingSource) (monitor.Extraction, error) {
	body, err := decode(doc)
	if err != nil {
		return monitor.Extraction{}, &monitor.ParseError{URL: doc.URL, Err: err}
	}
	page, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return monitor.Extraction{}, &monitor.ParseError{URL: doc.URL, Err: err}
	}

	base, err := url.Parse(doc.BaseURL())
	if err != nil {
		return monitor.Extraction{}, &monitor.ParseError{URL: doc.URL, Err: fmt.Errorf("parse base url: %w", err)}
	}

	var fragments []monitor.RawFragment
	switch source.Shape.Mode {
	case monitor.ModeRows:
		fragments = rows(page, base, source.Shape)
	case monitor.ModeAnchors, "":
		fragments = anchors(page, base, source.Shape)
	default:
		return monitor.Extraction{}, &monitor.ParseError{URL: doc.URL, Err: fmt.Errorf("unknown extract mode %q", source.Shape.Mode)}
	}

	ids := identity.New(source.Patterns, e.hasher)
	out := monitor.Extraction{Entries: make([]monitor.Entry, 0, len(fragments))}
	seen := make(map[string]struct{})
	for _, frag := range fragments {
		entry := e.entry(ids, frag, source)
		if entry.Item != nil {
			if _, dup := seen[entry.Item.Key]; dup {
				entry.Item = nil
				entry.Reason = ReasonDuplicate
			} else {
				seen[entry.Item.Key] = struct{}{}
			}
		}
		out.Entries = append(out.Entries, entry)
	}
	return out, nil
}

// decode returns a UTF-8 reader over the body. Bodies that are already valid
// UTF-8 (colly transcodes declared charsets) are used as-is.
func decode(doc monitor.Document) (io.Reader, error) {
	if utf8.Valid(doc.Body) {
		return bytes.NewReader(doc.Body), nil
	}
	r, err := charset.NewReader(bytes.NewReader(doc.Body), doc.Headers.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("decode charset: %w", err)
	}
	return r, nil
}

func (e *Extractor) entry(ids *identity.Extractor, frag monitor.RawFragment, source monitor.ListingSource) monitor.Entry {
	entry := monitor.Entry{Date: frag.Date}
	if !identity.ContainsAny(keywordText(frag, source.Shape.KeywordIn), source.Keywords) {
		entry.Reason = ReasonKeyword
		return entry
	}

	id := ids.Identify(frag.Title, frag.Context)
	key, related, err := ids.Key(id, []string{frag.DateText, frag.Title, frag.Description}, source.Shape.AllowSynthetic)
	if err != nil {
		entry.Reason = ReasonIdentity
		if !errors.Is(err, identity.ErrNoIdentity) {
			entry.Reason = ReasonKeyFailure
			e.logger.Warn("key construction failed", zap.String("source", source.Name), zap.Error(err))
		}
		return entry
	}

	entry.Item = &monitor.CandidateItem{
		Key:           key,
		RelatedKeys:   related,
		Title:         frag.Title,
		Description:   frag.Description,
		SourceLink:    frag.Link,
		NumberYear:    id.Primary(),
		MessageNumber: id.MessageNumber,
		DocumentID:    id.DocumentID,
		LookupID:      frag.LookupID,
		Date:          frag.Date,
	}
	return entry
}

func keywordText(frag monitor.RawFragment, field monitor.KeywordField) string {
	switch field {
	case monitor.KeywordInTitle:
		return frag.Title
	case monitor.KeywordInDescription:
		return frag.Description
	default:
		return frag.Context
	}
}

// anchors collects every a[href] inside the scope element.
func anchors(page *goquery.Document, base *url.URL, shape monitor.Shape) []monitor.RawFragment {
	root := scope(page, shape)
	if root == nil {
		return nil
	}

	suffix := strings.ToLower(shape.LinkSuffix)
	var out []monitor.RawFragment
	root.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || (suffix != "" && !strings.HasSuffix(strings.ToLower(href), suffix)) {
			return
		}
		title := text(a.Nodes...)
		parent := text(a.Parent().Nodes...)
		out = append(out, monitor.RawFragment{
			Title:       title,
			Link:        resolve(base, href),
			Context:     identity.CollapseSpace(title + " " + parent),
			Description: trailingText(a),
		})
	})
	return out
}

// scope returns the first scope element whose text holds the scope keyword,
// the whole page when no selector is set, or nil when nothing qualifies.
func scope(page *goquery.Document, shape monitor.Shape) *goquery.Selection {
	if shape.ScopeSelector == "" {
		return page.Selection
	}
	var found *goquery.Selection
	page.Find(shape.ScopeSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if shape.ScopeKeyword == "" || identity.ContainsAny(text(s.Nodes...), []string{shape.ScopeKeyword}) {
			found = s
			return false
		}
		return true
	})
	return found
}

// trailingText walks the siblings after the anchor, or after its enclosing
// <b>, up to the next <a> or <b>, and keeps the first non-empty text run.
func trailingText(a *goquery.Selection) string {
	start := a.Nodes[0]
	if p := start.Parent; p != nil && p.Type == html.ElementNode && p.Data == "b" {
		start = p
	}
	for n := start.NextSibling; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a", "b":
				return ""
			case "br":
				continue
			}
		}
		if t := text(n); t != "" {
			return t
		}
	}
	return ""
}

// rows reads date/author/content triples from table rows.
func rows(page *goquery.Document, base *url.URL, shape monitor.Shape) []monitor.RawFragment {
	var lookups []string
	if shape.LookupInput != "" {
		page.Find(fmt.Sprintf("input[name=%q]", shape.LookupInput)).Each(func(_ int, in *goquery.Selection) {
			lookups = append(lookups, strings.TrimSpace(in.AttrOr("value", "")))
		})
	}

	var out []monitor.RawFragment
	next := 0
	page.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		spans := tr.Find("td span")
		if spans.Length() < 3 {
			return
		}
		dateText := cellText(spans.Eq(0).Nodes...)
		author := cellText(spans.Eq(1).Nodes...)
		content := cellText(spans.Eq(2).Nodes...)

		frag := monitor.RawFragment{
			Title:       author,
			Context:     content,
			Description: content,
			DateText:    dateText,
			Date:        parseDate(dateText),
		}
		if href, ok := tr.Find("a[href]").First().Attr("href"); ok {
			frag.Link = resolve(base, strings.TrimSpace(href))
		}
		if next < len(lookups) {
			frag.LookupID = lookups[next]
		}
		next++
		out = append(out, frag)
	})
	return out
}

func parseDate(raw string) *time.Time {
	m := datePattern.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	t, err := time.ParseInLocation(DateLayout, m[1], time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// text joins the trimmed text nodes under each node with single spaces.
func text(nodes ...*html.Node) string {
	return joinText(" ", nodes...)
}

// cellText joins the trimmed text nodes with no separator, so a cell split
// across inline elements reads as one run and hashes like the workbook keys.
func cellText(nodes ...*html.Node) string {
	return joinText("", nodes...)
}

func joinText(sep string, nodes ...*html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		case html.CommentNode:
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return identity.CollapseSpace(strings.Join(parts, sep))
}

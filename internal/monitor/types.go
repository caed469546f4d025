package monitor

import (
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ExtractMode selects how a listing page is split into fragments.
type ExtractMode string

// Supported extraction modes.
const (
	ModeAnchors ExtractMode = "anchors"
	ModeRows    ExtractMode = "rows"
)

// KeywordField names the part of a fragment the keyword filter inspects.
type KeywordField string

// Keyword filter targets.
const (
	KeywordInTitle       KeywordField = "title"
	KeywordInContext     KeywordField = "context"
	KeywordInDescription KeywordField = "description"
)

// PatternClass identifies what an identity pattern extracts.
type PatternClass string

// Identity pattern classes, in key-construction priority order.
const (
	PatternNumberYear PatternClass = "number_year"
	PatternMessage    PatternClass = "message"
	PatternDocument   PatternClass = "document"
)

// IdentityPattern is one compiled identity regex tagged with its class.
type IdentityPattern struct {
	Class PatternClass
	Expr  *regexp.Regexp
}

// Shape describes the structure of a listing page.
type Shape struct {
	Mode           ExtractMode
	ScopeSelector  string
	ScopeKeyword   string
	LinkSuffix     string
	LookupInput    string
	KeywordIn      KeywordField
	AllowSynthetic bool
}

// CutoffKind selects how the pagination cutoff date is derived.
type CutoffKind string

// Cutoff kinds.
const (
	CutoffNone  CutoffKind = ""
	CutoffFixed CutoffKind = "fixed"
	CutoffToday CutoffKind = "today"
)

// Cutoff bounds pagination of date-ordered listings.
type Cutoff struct {
	Kind CutoffKind
	Date time.Time
}

// LateRecipients replaces the recipient list from a time of day onward.
type LateRecipients struct {
	After      time.Duration // offset from local midnight
	Recipients []string
}

// ListingSource is the immutable configuration of one watched listing.
type ListingSource struct {
	Name           string
	URL            string
	Method         string
	Params         map[string]string
	PageParam      string
	FirstPage      int
	MaxPages       int
	InsecureTLS    bool
	Interval       time.Duration
	Keywords       []string
	Shape          Shape
	Patterns       []IdentityPattern
	Cutoff         Cutoff
	Candidates     CandidateBuilder
	Message        MessageRenderer
	Recipients     []string
	Late           *LateRecipients
	AttachmentType string
	AttachmentExt  string
}

// Paginated reports whether the source exposes more than one page.
func (s ListingSource) Paginated() bool {
	return s.PageParam != ""
}

// RawFragment is one structural unit of a listing page before filtering.
type RawFragment struct {
	Title       string
	Link        string
	Context     string
	Description string
	DateText    string
	Date        *time.Time
	LookupID    string
}

// NumberYear is a "number/year" publication identifier.
type NumberYear struct {
	Number string
	Year   string
}

// String renders the identifier as "number/year".
func (n NumberYear) String() string {
	return n.Number + "/" + n.Year
}

// CandidateItem is a fragment that passed the keyword filter and identity extraction.
type CandidateItem struct {
	Key           string
	RelatedKeys   []string
	Title         string
	Description   string
	SourceLink    string
	NumberYear    *NumberYear
	MessageNumber string
	DocumentID    string
	LookupID      string
	Date          *time.Time
}

// Keys returns the primary key followed by any related keys.
func (c CandidateItem) Keys() []string {
	out := make([]string, 0, 1+len(c.RelatedKeys))
	out = append(out, c.Key)
	return append(out, c.RelatedKeys...)
}

// Entry is one fragment's outcome: its date and the item it produced, if any.
type Entry struct {
	Date   *time.Time
	Item   *CandidateItem
	Reason string
}

// Extraction is the ordered result of parsing one listing page.
type Extraction struct {
	Entries []Entry
}

// Fragments returns how many structural fragments the page contained.
func (e Extraction) Fragments() int {
	return len(e.Entries)
}

// FetchRequest captures one outbound HTTP request.
type FetchRequest struct {
	Method   string
	URL      string
	Form     map[string]string
	Headers  http.Header
	Insecure bool
}

// Document is a fetched response body plus metadata.
type Document struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the lower-cased media type of the response.
func (d Document) ContentType() string {
	raw := ""
	if d.Headers != nil {
		raw = d.Headers.Get("Content-Type")
	}
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return mediaType
}

// BaseURL returns the URL relative links in the document resolve against.
func (d Document) BaseURL() string {
	if d.FinalURL != "" {
		return d.FinalURL
	}
	return d.URL
}

// AttachmentCandidate is one retrieval action the resolver may try.
type AttachmentCandidate struct {
	Label       string
	Request     FetchRequest
	FollowLinks bool
}

// CandidateBuilder maps an item to its ordered attachment candidates.
type CandidateBuilder func(item CandidateItem) []AttachmentCandidate

// MessageRenderer renders the notification text for an item.
type MessageRenderer func(item CandidateItem) (string, error)

// AttachmentResult is a downloaded attachment. The zero value means none.
type AttachmentResult struct {
	Path        string
	Size        int64
	Origin      string
	ContentType string
}

// Found reports whether an attachment was stored.
func (a AttachmentResult) Found() bool {
	return a.Path != "" && a.Size > 0
}

// DispatchRequest is handed to the sender exactly once per new item.
type DispatchRequest struct {
	Recipients []string
	Message    string
	Attachment string
}

// DispatchEvent is published after every dispatch attempt.
type DispatchEvent struct {
	Source     string    `json:"source"`
	Key        string    `json:"key"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Attachment string    `json:"attachment,omitempty"`
	CycleID    string    `json:"cycle_id"`
	At         time.Time `json:"at"`
}

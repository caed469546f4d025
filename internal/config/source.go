package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/JakeFAU/legiswatch/internal/identity"
	"github.com/JakeFAU/legiswatch/internal/monitor"
	"github.com/JakeFAU/legiswatch/internal/resolver"
)

// SourceConfig is the file form of one watched listing.
type SourceConfig struct {
	Name            string             `mapstructure:"name"`
	URL             string             `mapstructure:"url"`
	Method          string             `mapstructure:"method"`
	Params          map[string]string  `mapstructure:"params"`
	PageParam       string             `mapstructure:"page_param"`
	FirstPage       int                `mapstructure:"first_page"`
	MaxPages        int                `mapstructure:"max_pages"`
	InsecureTLS     bool               `mapstructure:"insecure_tls"`
	IntervalSeconds int                `mapstructure:"interval_seconds"`
	Keywords        []string           `mapstructure:"keywords"`
	Shape           ShapeConfig        `mapstructure:"shape"`
	Patterns        []PatternConfig    `mapstructure:"patterns"`
	Cutoff          string             `mapstructure:"cutoff"`
	Attachments     []AttachmentConfig `mapstructure:"attachments"`
	AttachmentType  string             `mapstructure:"attachment_type"`
	AttachmentExt   string             `mapstructure:"attachment_ext"`
	Message         string             `mapstructure:"message"`
	Recipients      []string           `mapstructure:"recipients"`
	Late            *LateConfig        `mapstructure:"late_recipients"`
	Ledger          SourceLedgerConfig `mapstructure:"ledger"`
}

// ShapeConfig describes how a page splits into fragments.
type ShapeConfig struct {
	Mode           string `mapstructure:"mode"`
	ScopeSelector  string `mapstructure:"scope_selector"`
	ScopeKeyword   string `mapstructure:"scope_keyword"`
	LinkSuffix     string `mapstructure:"link_suffix"`
	LookupInput    string `mapstructure:"lookup_input"`
	KeywordIn      string `mapstructure:"keyword_in"`
	AllowSynthetic bool   `mapstructure:"allow_synthetic"`
}

// PatternConfig is one identity regex.
type PatternConfig struct {
	Class string `mapstructure:"class"`
	Expr  string `mapstructure:"expr"`
}

// AttachmentConfig is one attachment candidate strategy.
type AttachmentConfig struct {
	Kind        string            `mapstructure:"kind"`
	URL         string            `mapstructure:"url"`
	Form        map[string]string `mapstructure:"form"`
	IDField     string            `mapstructure:"id_field"`
	FollowLinks bool              `mapstructure:"follow_links"`
	Templates   []string          `mapstructure:"templates"`
	Widths      []int             `mapstructure:"widths"`
	Prefixes    []string          `mapstructure:"prefixes"`
}

// LateConfig swaps recipients after a time of day ("16:00").
type LateConfig struct {
	After      string   `mapstructure:"after"`
	Recipients []string `mapstructure:"recipients"`
}

// SourceLedgerConfig shapes the source's workbook.
type SourceLedgerConfig struct {
	File   string   `mapstructure:"file"`
	Sheet  string   `mapstructure:"sheet"`
	Header []string `mapstructure:"header"`
}

var cutoffLayouts = []string{"2006-01-02", "02/01/2006"}

// Build compiles the configuration into an immutable ListingSource.
func (s SourceConfig) Build() (monitor.ListingSource, error) {
	if strings.TrimSpace(s.Name) == "" {
		return monitor.ListingSource{}, errors.New("name is required")
	}
	if _, err := url.ParseRequestURI(s.URL); err != nil {
		return monitor.ListingSource{}, fmt.Errorf("%s: invalid url %q: %w", s.Name, s.URL, err)
	}
	if len(s.Recipients) == 0 {
		return monitor.ListingSource{}, fmt.Errorf("%s: recipients are required", s.Name)
	}

	src := monitor.ListingSource{
		Name:           s.Name,
		URL:            s.URL,
		Method:         strings.ToUpper(s.Method),
		Params:         copyMap(s.Params),
		PageParam:      s.PageParam,
		FirstPage:      s.FirstPage,
		MaxPages:       s.MaxPages,
		InsecureTLS:    s.InsecureTLS,
		Interval:       time.Duration(s.IntervalSeconds) * time.Second,
		Keywords:       append([]string(nil), s.Keywords...),
		Recipients:     append([]string(nil), s.Recipients...),
		AttachmentType: s.AttachmentType,
		AttachmentExt:  s.AttachmentExt,
	}
	switch src.Method {
	case "", "GET", "POST":
	default:
		return monitor.ListingSource{}, fmt.Errorf("%s: unsupported method %q", s.Name, s.Method)
	}

	shape, err := s.Shape.build()
	if err != nil {
		return monitor.ListingSource{}, fmt.Errorf("%s: %w", s.Name, err)
	}
	src.Shape = shape

	if src.Patterns, err = buildPatterns(s.Patterns); err != nil {
		return monitor.ListingSource{}, fmt.Errorf("%s: %w", s.Name, err)
	}
	if src.Cutoff, err = parseCutoff(s.Cutoff); err != nil {
		return monitor.ListingSource{}, fmt.Errorf("%s: %w", s.Name, err)
	}
	if src.Late, err = s.Late.build(); err != nil {
		return monitor.ListingSource{}, fmt.Errorf("%s: %w", s.Name, err)
	}

	specs := make([]resolver.Spec, 0, len(s.Attachments))
	for i, a := range s.Attachments {
		spec := resolver.Spec{
			Kind:        resolver.Kind(strings.ToLower(a.Kind)),
			URL:         a.URL,
			Form:        copyMap(a.Form),
			IDField:     a.IDField,
			FollowLinks: a.FollowLinks,
			Templates:   append([]string(nil), a.Templates...),
			Widths:      append([]int(nil), a.Widths...),
			Prefixes:    append([]string(nil), a.Prefixes...),
		}
		if err := spec.Validate(); err != nil {
			return monitor.ListingSource{}, fmt.Errorf("%s: attachments[%d]: %w", s.Name, i, err)
		}
		specs = append(specs, spec)
	}
	if len(specs) > 0 {
		src.Candidates = resolver.Builder(specs)
	}

	if strings.TrimSpace(s.Message) != "" {
		if src.Message, err = messageRenderer(s.Name, s.Message); err != nil {
			return monitor.ListingSource{}, fmt.Errorf("%s: %w", s.Name, err)
		}
	}
	return src, nil
}

func (c ShapeConfig) build() (monitor.Shape, error) {
	shape := monitor.Shape{
		Mode:           monitor.ExtractMode(strings.ToLower(c.Mode)),
		ScopeSelector:  c.ScopeSelector,
		ScopeKeyword:   c.ScopeKeyword,
		LinkSuffix:     c.LinkSuffix,
		LookupInput:    c.LookupInput,
		KeywordIn:      monitor.KeywordField(strings.ToLower(c.KeywordIn)),
		AllowSynthetic: c.AllowSynthetic,
	}
	switch shape.Mode {
	case "", monitor.ModeAnchors, monitor.ModeRows:
	default:
		return monitor.Shape{}, fmt.Errorf("unknown shape.mode %q", c.Mode)
	}
	switch shape.KeywordIn {
	case "", monitor.KeywordInTitle, monitor.KeywordInContext, monitor.KeywordInDescription:
	default:
		return monitor.Shape{}, fmt.Errorf("unknown shape.keyword_in %q", c.KeywordIn)
	}
	if (shape.ScopeSelector == "") != (shape.ScopeKeyword == "") {
		return monitor.Shape{}, errors.New("shape.scope_selector and shape.scope_keyword must be set together")
	}
	return shape, nil
}

func buildPatterns(cfgs []PatternConfig) ([]monitor.IdentityPattern, error) {
	if len(cfgs) == 0 {
		return identity.DefaultPatterns(), nil
	}
	out := make([]monitor.IdentityPattern, 0, len(cfgs))
	for i, p := range cfgs {
		class := monitor.PatternClass(strings.ToLower(p.Class))
		switch class {
		case monitor.PatternNumberYear, monitor.PatternMessage, monitor.PatternDocument:
		default:
			return nil, fmt.Errorf("patterns[%d]: unknown class %q", i, p.Class)
		}
		expr, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("patterns[%d]: %w", i, err)
		}
		if expr.NumSubexp() < 1 {
			return nil, fmt.Errorf("patterns[%d]: expression needs a capture group", i)
		}
		out = append(out, monitor.IdentityPattern{Class: class, Expr: expr})
	}
	return out, nil
}

func parseCutoff(raw string) (monitor.Cutoff, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "", "none":
		return monitor.Cutoff{Kind: monitor.CutoffNone}, nil
	case "today":
		return monitor.Cutoff{Kind: monitor.CutoffToday}, nil
	}
	for _, layout := range cutoffLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return monitor.Cutoff{Kind: monitor.CutoffFixed, Date: d}, nil
		}
	}
	return monitor.Cutoff{}, fmt.Errorf("invalid cutoff %q", raw)
}

func (l *LateConfig) build() (*monitor.LateRecipients, error) {
	if l == nil || len(l.Recipients) == 0 {
		return nil, nil
	}
	at, err := time.Parse("15:04", strings.TrimSpace(l.After))
	if err != nil {
		return nil, fmt.Errorf("late_recipients.after %q: %w", l.After, err)
	}
	return &monitor.LateRecipients{
		After:      time.Duration(at.Hour())*time.Hour + time.Duration(at.Minute())*time.Minute,
		Recipients: append([]string(nil), l.Recipients...),
	}, nil
}

// messageRenderer compiles a text/template executed against the item.
func messageRenderer(name, text string) (monitor.MessageRenderer, error) {
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"trim": strings.TrimSpace,
	}).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("message template: %w", err)
	}
	return func(item monitor.CandidateItem) (string, error) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, item); err != nil {
			return "", fmt.Errorf("render message: %w", err)
		}
		return strings.TrimSpace(buf.String()), nil
	}, nil
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/legiswatch/internal/monitor"
)

// ErrNoIdentity reports a fragment with no numeric identity where synthesis is disabled.
var ErrNoIdentity = errors.New("no identity signal")

// SyntheticPrefix marks keys derived from a content hash.
const SyntheticPrefix = "K:"

const syntheticHexLen = 16

// Default patterns observed on the legislative listings.
var (
	DefaultNumberYear = regexp.MustCompile(`\b(\d{1,5})/(\d{4})\b`)
	DefaultMessage    = regexp.MustCompile(`(?i)mensagem\s*n[º°]?\s*\.?\s*(\d{1,6})`)
	DefaultDocument   = regexp.MustCompile(`\b(\d{1,2}\.\d{3}|\d{3,5})\b`)
)

// DefaultPatterns returns the number/year and message patterns used when a source configures none.
func DefaultPatterns() []monitor.IdentityPattern {
	return []monitor.IdentityPattern{
		{Class: monitor.PatternNumberYear, Expr: DefaultNumberYear},
		{Class: monitor.PatternMessage, Expr: DefaultMessage},
	}
}

// Identity is every structural identifier found in a fragment.
type Identity struct {
	NumberYears   []monitor.NumberYear
	MessageNumber string
	DocumentID    string
}

// Primary returns the first number/year match, if any.
func (i Identity) Primary() *monitor.NumberYear {
	if len(i.NumberYears) == 0 {
		return nil
	}
	ny := i.NumberYears[0]
	return &ny
}

// Empty reports whether no key-bearing identifier was found.
func (i Identity) Empty() bool {
	return len(i.NumberYears) == 0 && i.MessageNumber == ""
}

// Extractor applies ordered identity patterns and builds keys.
type Extractor struct {
	patterns []monitor.IdentityPattern
	hasher   monitor.Hasher
}

// New creates an Extractor. A nil pattern list falls back to DefaultPatterns.
func New(patterns []monitor.IdentityPattern, hasher monitor.Hasher) *Extractor {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Extractor{patterns: patterns, hasher: hasher}
}

// Identify searches texts in priority order. For every pattern class the first
// text with a match wins; the number/year class keeps all matches of that text.
func (e *Extractor) Identify(texts ...string) Identity {
	var id Identity
	for _, p := range e.patterns {
		if p.Expr == nil {
			continue
		}
		switch p.Class {
		case monitor.PatternNumberYear:
			if len(id.NumberYears) == 0 {
				id.NumberYears = firstNumberYears(p.Expr, texts)
			}
		case monitor.PatternMessage:
			if id.MessageNumber == "" {
				id.MessageNumber = firstGroup(p.Expr, texts)
			}
		case monitor.PatternDocument:
			if id.DocumentID == "" {
				id.DocumentID = strings.ReplaceAll(firstGroup(p.Expr, texts), ".", "")
			}
		}
	}
	return id
}

// Key builds the primary dedupe key and any related keys for a fragment.
// The synthetic fallback applies only when allowSynthetic is set.
func (e *Extractor) Key(id Identity, fields []string, allowSynthetic bool) (string, []string, error) {
	var primary string
	switch ny := id.Primary(); {
	case ny != nil && id.MessageNumber != "":
		primary = fmt.Sprintf("%s_MSG%s", ny, id.MessageNumber)
	case ny != nil:
		primary = ny.String()
	case id.MessageNumber != "":
		primary = "MSG" + id.MessageNumber
	case allowSynthetic:
		key, err := e.Synthesize(fields...)
		return key, nil, err
	default:
		return "", nil, ErrNoIdentity
	}

	var related []string
	seen := map[string]struct{}{primary: {}}
	for _, ny := range id.NumberYears[min(1, len(id.NumberYears)):] {
		k := ny.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		related = append(related, k)
	}
	return primary, related, nil
}

// Synthesize derives a stable key from whitespace-collapsed fields joined by "|".
func (e *Extractor) Synthesize(fields ...string) (string, error) {
	if e.hasher == nil {
		return "", errors.New("synthesize key: no hasher configured")
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = CollapseSpace(f)
	}
	sum, err := e.hasher.Hash([]byte(strings.Join(parts, "|")))
	if err != nil {
		return "", fmt.Errorf("synthesize key: %w", err)
	}
	if len(sum) > syntheticHexLen {
		sum = sum[:syntheticHexLen]
	}
	return SyntheticPrefix + sum, nil
}

func firstNumberYears(expr *regexp.Regexp, texts []string) []monitor.NumberYear {
	for _, text := range texts {
		matches := expr.FindAllStringSubmatch(text, -1)
		var out []monitor.NumberYear
		for _, m := range matches {
			if ny, ok := toNumberYear(m); ok {
				out = append(out, ny)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func toNumberYear(m []string) (monitor.NumberYear, bool) {
	if len(m) >= 3 && m[1] != "" && m[2] != "" {
		return monitor.NumberYear{Number: m[1], Year: m[2]}, true
	}
	number, year, ok := strings.Cut(m[0], "/")
	if !ok || number == "" || year == "" {
		return monitor.NumberYear{}, false
	}
	return monitor.NumberYear{Number: number, Year: year}, true
}

func firstGroup(expr *regexp.Regexp, texts []string) string {
	for _, text := range texts {
		m := expr.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if len(m) > 1 && m[1] != "" {
			return m[1]
		}
		return m[0]
	}
	return ""
}

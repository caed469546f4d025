package resolver

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/JakeFAU/legiswatch/internal/monitor"
)

// Kind names a candidate strategy.
type Kind string

// Candidate strategies.
const (
	// KindLink fetches the item's own source link.
	KindLink Kind = "link"
	// KindForm posts a lookup form carrying the item's lookup id.
	KindForm Kind = "form"
	// KindNumbered probes URL templates built from the year and document id.
	KindNumbered Kind = "numbered"
)

const defaultIDField = "leg_id"

var defaultWidths = []int{3, 4, 5}

// Spec configures one candidate strategy.
type Spec struct {
	Kind        Kind
	URL         string
	Form        map[string]string
	IDField     string
	FollowLinks bool
	Templates   []string
	Widths      []int
	Prefixes    []string
}

// Validate reports configuration errors.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindLink:
		return nil
	case KindForm:
		if s.URL == "" {
			return fmt.Errorf("form candidate requires url")
		}
		return nil
	case KindNumbered:
		if len(s.Templates) == 0 {
			return fmt.Errorf("numbered candidate requires templates")
		}
		for _, w := range s.Widths {
			if w <= 0 || w > 12 {
				return fmt.Errorf("invalid width %d", w)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown candidate kind %q", s.Kind)
	}
}

// Builder turns specs into the pure candidate function of a source.
// Candidates are emitted spec by spec, in order, without duplicates.
func Builder(specs []Spec) monitor.CandidateBuilder {
	specs = append([]Spec(nil), specs...)
	return func(item monitor.CandidateItem) []monitor.AttachmentCandidate {
		var out []monitor.AttachmentCandidate
		seen := make(map[string]struct{})
		add := func(c monitor.AttachmentCandidate) {
			id := c.Request.Method + " " + c.Request.URL + " " + formKey(c.Request.Form)
			if _, dup := seen[id]; dup {
				return
			}
			seen[id] = struct{}{}
			out = append(out, c)
		}
		for _, s := range specs {
			for _, c := range s.expand(item) {
				add(c)
			}
		}
		return out
	}
}

func (s Spec) expand(item monitor.CandidateItem) []monitor.AttachmentCandidate {
	switch s.Kind {
	case KindLink:
		if item.SourceLink == "" {
			return nil
		}
		return []monitor.AttachmentCandidate{{
			Label:       string(KindLink),
			Request:     monitor.FetchRequest{Method: http.MethodGet, URL: item.SourceLink},
			FollowLinks: s.FollowLinks,
		}}
	case KindForm:
		if item.LookupID == "" {
			return nil
		}
		field := s.IDField
		if field == "" {
			field = defaultIDField
		}
		form := make(map[string]string, len(s.Form)+1)
		for k, v := range s.Form {
			form[k] = v
		}
		form[field] = item.LookupID
		return []monitor.AttachmentCandidate{{
			Label:       string(KindForm),
			Request:     monitor.FetchRequest{Method: http.MethodPost, URL: s.URL, Form: form},
			FollowLinks: true,
		}}
	case KindNumbered:
		return s.numbered(item)
	default:
		return nil
	}
}

func (s Spec) numbered(item monitor.CandidateItem) []monitor.AttachmentCandidate {
	if item.NumberYear == nil || item.DocumentID == "" {
		return nil
	}
	year := item.NumberYear.Year
	yy := year
	if len(yy) > 2 {
		yy = yy[len(yy)-2:]
	}
	prefixes := s.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}

	var out []monitor.AttachmentCandidate
	for _, num := range paddedVariants(item.DocumentID, s.widths()) {
		for _, tmpl := range s.Templates {
			variants := []string{""}
			if strings.Contains(tmpl, "{prefix}") {
				variants = prefixes
			}
			for _, prefix := range variants {
				u := strings.NewReplacer(
					"{year}", year,
					"{yy}", yy,
					"{num}", num,
					"{prefix}", prefix,
					"{number}", item.NumberYear.Number,
				).Replace(tmpl)
				out = append(out, monitor.AttachmentCandidate{
					Label:       string(KindNumbered),
					Request:     monitor.FetchRequest{Method: http.MethodGet, URL: u},
					FollowLinks: s.FollowLinks,
				})
			}
		}
	}
	return out
}

func (s Spec) widths() []int {
	if len(s.Widths) == 0 {
		return defaultWidths
	}
	return s.Widths
}

// paddedVariants returns id followed by its zero-padded forms, deduplicated.
func paddedVariants(id string, widths []int) []string {
	id = strings.ReplaceAll(strings.TrimSpace(id), ".", "")
	out := []string{id}
	seen := map[string]struct{}{id: {}}
	for _, w := range widths {
		v := id
		if len(v) < w {
			v = strings.Repeat("0", w-len(v)) + v
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func formKey(form map[string]string) string {
	if len(form) == 0 {
		return ""
	}
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + "=" + strconv.Quote(form[k]) + "&")
	}
	return b.String()
}

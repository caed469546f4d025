// Package resolver locates and downloads item attachments by trying
// ordered candidates until one yields a valid file.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/legiswatch/internal/monitor"
	"github.com/JakeFAU/legiswatch/internal/storage/local"
)

const defaultType = "pdf"

// Store persists a downloaded attachment atomically.
type Store interface {
	PutObject(ctx context.Context, name string, data io.Reader) (string, int64, error)
}

// Resolver implements monitor.Resolver.
type Resolver struct {
	fetcher  monitor.Fetcher
	store    Store
	archiver monitor.Archiver
	logger   *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithArchiver mirrors every stored attachment through a.
func WithArchiver(a monitor.Archiver) Option {
	return func(r *Resolver) { r.archiver = a }
}

// New builds a Resolver.
func New(fetcher monitor.Fetcher, store Store, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{fetcher: fetcher, store: store, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve tries the source's candidates strictly in order and stops at the
// first success. Exhausting the list is not an error; only context
// cancellation is returned.
func (r *Resolver) Resolve(ctx context.Context, item monitor.CandidateItem, source monitor.ListingSource) (monitor.AttachmentResult, error) {
	if source.Candidates == nil {
		return monitor.AttachmentResult{}, nil
	}
	candidates := source.Candidates(item)
	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return monitor.AttachmentResult{}, err
		}
		res, err := r.try(ctx, cand, item, source)
		if err == nil {
			r.logger.Info("attachment stored",
				zap.String("source", source.Name),
				zap.String("key", item.Key),
				zap.String("candidate", cand.Label),
				zap.String("origin", res.Origin),
				zap.Int64("bytes", res.Size),
			)
			r.archive(ctx, res, source)
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return monitor.AttachmentResult{}, ctxErr
		}
		r.logger.Debug("attachment candidate rejected",
			zap.String("source", source.Name),
			zap.String("key", item.Key),
			zap.Int("candidate", i),
			zap.String("url", cand.Request.URL),
			zap.Error(err),
		)
	}
	return monitor.AttachmentResult{}, nil
}

func (r *Resolver) try(ctx context.Context, cand monitor.AttachmentCandidate, item monitor.CandidateItem, source monitor.ListingSource) (monitor.AttachmentResult, error) {
	kind := attachmentType(source)
	req := cand.Request
	req.Insecure = req.Insecure || source.InsecureTLS
	doc, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return monitor.AttachmentResult{}, err
	}
	if !matchesType(doc, kind) {
		if !cand.FollowLinks || !strings.Contains(doc.ContentType(), "html") {
			return monitor.AttachmentResult{}, fmt.Errorf("%w: content type %q", monitor.ErrNoAttachment, doc.ContentType())
		}
		link, err := firstLink(doc, "."+kind)
		if err != nil {
			return monitor.AttachmentResult{}, err
		}
		doc, err = r.fetcher.Fetch(ctx, monitor.FetchRequest{Method: http.MethodGet, URL: link, Insecure: req.Insecure})
		if err != nil {
			return monitor.AttachmentResult{}, err
		}
		if !matchesType(doc, kind) {
			return monitor.AttachmentResult{}, fmt.Errorf("%w: followed link content type %q", monitor.ErrNoAttachment, doc.ContentType())
		}
	}

	name := path.Join(source.Name, source.AttachmentName(item))
	stored, size, err := r.store.PutObject(ctx, name, bytes.NewReader(doc.Body))
	if err != nil {
		if errors.Is(err, local.ErrEmpty) {
			return monitor.AttachmentResult{}, fmt.Errorf("%w: empty body", monitor.ErrNoAttachment)
		}
		return monitor.AttachmentResult{}, fmt.Errorf("store attachment: %w", err)
	}
	return monitor.AttachmentResult{Path: stored, Size: size, Origin: doc.BaseURL(), ContentType: doc.ContentType()}, nil
}

func (r *Resolver) archive(ctx context.Context, res monitor.AttachmentResult, source monitor.ListingSource) {
	if r.archiver == nil {
		return
	}
	object := path.Join(source.Name, path.Base(strings.ReplaceAll(res.Path, "\\", "/")))
	uri, err := r.archiver.Archive(ctx, res.Path, object, res.ContentType)
	if err != nil {
		r.logger.Warn("attachment archive failed", zap.String("source", source.Name), zap.String("path", res.Path), zap.Error(err))
		return
	}
	r.logger.Debug("attachment archived", zap.String("source", source.Name), zap.String("uri", uri))
}

func attachmentType(source monitor.ListingSource) string {
	if t := strings.ToLower(strings.TrimSpace(source.AttachmentType)); t != "" {
		return t
	}
	return defaultType
}

func matchesType(doc monitor.Document, kind string) bool {
	return strings.Contains(doc.ContentType(), kind)
}

// firstLink returns the first anchor whose href mentions marker, resolved
// against the page's final URL.
func firstLink(doc monitor.Document, marker string) (string, error) {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return "", &monitor.ParseError{URL: doc.URL, Err: err}
	}
	base, err := url.Parse(doc.BaseURL())
	if err != nil {
		return "", &monitor.ParseError{URL: doc.URL, Err: err}
	}
	var link string
	page.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if !strings.Contains(strings.ToLower(href), marker) {
			return true
		}
		if ref, err := url.Parse(href); err == nil {
			link = base.ResolveReference(ref).String()
		}
		return link == ""
	})
	if link == "" {
		return "", fmt.Errorf("%w: no %s link in page", monitor.ErrNoAttachment, marker)
	}
	return link, nil
}

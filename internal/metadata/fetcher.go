package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"mediabot/internal/domain"
)

const (
	// ErrForbidden is the Metadata.Error of a placeholder.
	ErrForbidden = "403 Forbidden"

	restrictedDescription = "This website restricts automated access. Click the link to visit directly."
)

// Override replaces the generic placeholder for a domain.
type Override struct {
	Title       string
	Description string
}

type Config struct {
	Strategies []Strategy
	Overrides  map[string]Override // keyed by a domain substring, e.g. "blofin.com"
	Logger     *slog.Logger
}

// Fetcher runs the strategy chain. Fetch never fails: when no strategy
// yields a title or description, a placeholder is returned.
type Fetcher struct {
	strategies []Strategy
	overrides  map[string]Override
	logger     *slog.Logger
}

func NewFetcher(cfg Config) *Fetcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{strategies: cfg.Strategies, overrides: cfg.Overrides, logger: cfg.Logger}
}

func (f *Fetcher) Fetch(ctx context.Context, pageURL string) domain.Metadata {
	var md domain.Metadata
	for _, s := range f.strategies {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		html, err := s.Fetch(ctx, pageURL)
		if err != nil {
			f.logger.Info("metadata strategy failed", "strategy", s.Name(), "url", pageURL, "err", err)
			continue
		}
		merge(&md, Extract(html, pageURL))
		f.logger.Debug("metadata strategy done", "strategy", s.Name(), "url", pageURL,
			"title", md.Title != "", "duration", time.Since(start))
		if md.Title != "" {
			break
		}
	}

	if md.Title == "" && md.Description == "" {
		f.logger.Warn("all metadata strategies failed, using placeholder", "url", pageURL)
		return f.Placeholder(pageURL)
	}
	md.URL = pageURL
	if md.Domain == "" {
		md.Domain = hostOf(pageURL)
	}
	return md
}

// Placeholder is the degraded preview for a page nobody could read.
func (f *Fetcher) Placeholder(pageURL string) domain.Metadata {
	host := hostOf(pageURL)
	md := domain.Metadata{
		Title:       "Visit " + host,
		Description: restrictedDescription,
		Domain:      host,
		URL:         pageURL,
		Error:       ErrForbidden,
	}
	if o, ok := f.override(host); ok {
		md.Title, md.Description = o.Title, o.Description
	}
	return md
}

func (f *Fetcher) override(host string) (Override, bool) {
	for key, o := range f.overrides {
		if strings.Contains(host, key) {
			return o, true
		}
	}
	return Override{}, false
}

// HasOverride reports whether pageURL belongs to a domain known to block
// automated access.
func (f *Fetcher) HasOverride(pageURL string) bool {
	_, ok := f.override(hostOf(pageURL))
	return ok
}

func hostOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return pageURL
	}
	return u.Host
}

// StrategyOptions configures FromNames.
type StrategyOptions struct {
	HTTP     HTTPConfig
	Renderer PageRenderer // nil disables "browser"
}

// FromNames builds a strategy chain in the given order. Unknown names are
// an error; "browser" without a renderer is skipped.
func FromNames(names []string, opts StrategyOptions) ([]Strategy, error) {
	var out []Strategy
	for _, n := range names {
		switch n {
		case "standard":
			out = append(out, NewStandard(opts.HTTP))
		case "mobile":
			out = append(out, NewMobile(opts.HTTP))
		case "browser":
			if opts.Renderer != nil {
				out = append(out, BrowserStrategy{Renderer: opts.Renderer})
			}
		default:
			return nil, fmt.Errorf("unknown metadata strategy %q", n)
		}
	}
	return out, nil
}

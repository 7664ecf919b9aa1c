package metadata

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Strategy fetches the HTML of a page one particular way.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, url string) (string, error)
}

var desktopAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:123.0) Gecko/20100101 Firefox/123.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

var mobileAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPad; CPU OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Android 14; Mobile; rv:123.0) Gecko/123.0 Firefox/123.0",
}

var referrers = []string{
	"https://www.google.com/",
	"https://www.bing.com/",
	"https://www.yahoo.com/",
	"https://www.reddit.com/",
	"https://www.facebook.com/",
	"https://www.twitter.com/",
	"https://www.instagram.com/",
}

const maxBodyBytes = 5 << 20

func pick(list []string) string { return list[rand.IntN(len(list))] }

// HTTPConfig is shared by the standard and mobile strategies.
type HTTPConfig struct {
	Client    *http.Client // nil = a client with Timeout
	Timeout   time.Duration
	MinJitter time.Duration
	MaxJitter time.Duration
	Sleep     func(ctx context.Context, d time.Duration) error // nil = context-aware sleep
}

// HTTPStrategy is a plain GET dressed up as a browser request.
type HTTPStrategy struct {
	name    string
	headers func(h http.Header)
	client  *http.Client
	jitter  [2]time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func newHTTP(name string, cfg HTTPConfig, headers func(http.Header)) *HTTPStrategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.MaxJitter < cfg.MinJitter {
		cfg.MaxJitter = cfg.MinJitter
	}
	return &HTTPStrategy{
		name:    name,
		headers: headers,
		client:  cfg.Client,
		jitter:  [2]time.Duration{cfg.MinJitter, cfg.MaxJitter},
		sleep:   cfg.Sleep,
	}
}

// NewStandard rotates desktop user agents and sends full browser headers.
func NewStandard(cfg HTTPConfig) *HTTPStrategy {
	return newHTTP("standard", cfg, func(h http.Header) {
		h.Set("User-Agent", pick(desktopAgents))
		h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
		h.Set("Accept-Language", "en-US,en;q=0.9")
		h.Set("Upgrade-Insecure-Requests", "1")
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Site", "none")
		h.Set("Sec-Fetch-User", "?1")
		h.Set("Cache-Control", "max-age=0")
		h.Set("Referer", pick(referrers))
		h.Set("Cookie", "session="+strings.ReplaceAll(uuid.NewString(), "-", "")+"; has_visited=true; consent=true")
	})
}

// NewMobile presents as a phone browser.
func NewMobile(cfg HTTPConfig) *HTTPStrategy {
	return newHTTP("mobile", cfg, func(h http.Header) {
		h.Set("User-Agent", pick(mobileAgents))
		h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
		h.Set("Accept-Language", "en-US,en;q=0.5")
		h.Set("Upgrade-Insecure-Requests", "1")
		h.Set("Cache-Control", "max-age=0")
		h.Set("Referer", pick(referrers))
		h.Set("Viewport-Width", "412")
		h.Set("Width", "412")
		h.Set("X-Requested-With", "XMLHttpRequest")
	})
}

func (s *HTTPStrategy) Name() string { return s.name }

func (s *HTTPStrategy) Fetch(ctx context.Context, url string) (string, error) {
	if err := s.sleep(ctx, s.delay()); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	s.headers(req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s fetch: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s fetch: status %d", s.name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%s fetch: read body: %w", s.name, err)
	}
	return string(body), nil
}

func (s *HTTPStrategy) delay() time.Duration {
	lo, hi := s.jitter[0], s.jitter[1]
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}

// PageRenderer loads a page in a real browser.
type PageRenderer interface {
	FetchHTML(ctx context.Context, url string) (string, error)
}

// BrowserStrategy renders the page in headless Chrome.
type BrowserStrategy struct {
	Renderer PageRenderer
}

func (BrowserStrategy) Name() string { return "browser" }

func (b BrowserStrategy) Fetch(ctx context.Context, url string) (string, error) {
	return b.Renderer.FetchHTML(ctx, url)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package convert

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"mediabot/internal/domain"
	"mediabot/internal/youtube"
)

const (
	youtubeRed = 0xe74c3c

	detailsCacheSize = 256
	detailsCacheTTL  = 30 * time.Minute
)

// VideoLookup resolves a YouTube video ID to its details.
type VideoLookup interface {
	Video(ctx context.Context, id string) (youtube.Details, error)
}

// YouTube reposts a YouTube link with a short description embed. Describe
// runs before the prompt so the title can be shown; its result is cached
// for the Convert call that follows. Entries for prompts that time out or
// are withdrawn age out of the cache.
type YouTube struct {
	lookup VideoLookup
	logger *slog.Logger
	cache  *expirable.LRU[string, youtube.Details]
}

func NewYouTube(lookup VideoLookup, logger *slog.Logger) *YouTube {
	if logger == nil {
		logger = slog.Default()
	}
	return &YouTube{
		lookup: lookup,
		logger: logger,
		cache:  expirable.NewLRU[string, youtube.Details](detailsCacheSize, nil, detailsCacheTTL),
	}
}

func (c *YouTube) details(ctx context.Context, id string) (youtube.Details, error) {
	if d, ok := c.cache.Get(id); ok {
		return d, nil
	}
	d, err := c.lookup.Video(ctx, id)
	if err != nil {
		return youtube.Details{}, err
	}
	c.cache.Add(id, d)
	return d, nil
}

func (c *YouTube) Describe(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	d, err := c.details(ctx, item.VideoID)
	if err != nil {
		return item, err
	}
	item.Name = d.Title
	return item, nil
}

func (c *YouTube) Convert(ctx context.Context, item domain.ContentItem, _ domain.ProgressFunc) (*domain.Result, error) {
	d, err := c.details(ctx, item.VideoID)
	if err != nil {
		return nil, err
	}
	c.cache.Remove(item.VideoID)

	desc := truncateDesc(d.Description, 200)
	embed := &domain.Embed{
		Description:  desc,
		Color:        youtubeRed,
		ThumbnailURL: d.Thumbnail,
		Fields: []domain.EmbedField{
			{Name: "Views", Value: formatCount(d.Views), Inline: true},
			{Name: "Likes", Value: formatCount(d.Likes), Inline: true},
		},
	}
	return &domain.Result{
		Artifacts: []domain.Artifact{
			{Ordinal: 1, Text: d.WatchURL()},
			{Ordinal: 2, Embed: embed},
		},
		ThreadName: "Watch: " + truncate(d.Title, 50),
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func truncateDesc(s string, n int) string {
	if t := truncate(s, n); t != s {
		return t + "..."
	}
	return s
}

// formatCount renders 1234567 as "1,234,567".
func formatCount(n uint64) string {
	s := strconv.FormatUint(n, 10)
	if len(s) <= 3 {
		return s
	}
	head := len(s) % 3
	if head == 0 {
		head = 3
	}
	out := s[:head]
	for i := head; i < len(s); i += 3 {
		out += "," + s[i:i+3]
	}
	return out
}

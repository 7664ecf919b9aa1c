// Package youtube looks up video details through the YouTube Data API v3.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// ErrNotFound means the API returned no video for the ID.
var ErrNotFound = errors.New("video not found")

// Details is the subset of snippet and statistics the bot shows.
type Details struct {
	ID          string
	Title       string
	Description string
	Thumbnail   string
	Views       uint64
	Likes       uint64
}

// WatchURL is the canonical link Discord auto-embeds.
func (d Details) WatchURL() string {
	return "https://www.youtube.com/watch?v=" + d.ID
}

type Config struct {
	APIKey   string
	Endpoint string // overrides the API base URL; tests only
	Logger   *slog.Logger
}

type Client struct {
	svc    *yt.Service
	logger *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("youtube api key is empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &Client{svc: svc, logger: cfg.Logger}, nil
}

// Video fetches snippet and statistics for one video.
func (c *Client) Video(ctx context.Context, id string) (Details, error) {
	resp, err := c.svc.Videos.List([]string{"snippet", "statistics"}).Id(id).Context(ctx).Do()
	if err != nil {
		return Details{}, fmt.Errorf("youtube videos.list %s: %w", id, err)
	}
	if len(resp.Items) == 0 {
		return Details{}, fmt.Errorf("youtube %s: %w", id, ErrNotFound)
	}

	v := resp.Items[0]
	d := Details{ID: id}
	if s := v.Snippet; s != nil {
		d.Title = s.Title
		d.Description = s.Description
		if t := s.Thumbnails; t != nil {
			switch {
			case t.High != nil:
				d.Thumbnail = t.High.Url
			case t.Default != nil:
				d.Thumbnail = t.Default.Url
			}
		}
	}
	if st := v.Statistics; st != nil {
		d.Views = st.ViewCount
		d.Likes = st.LikeCount
	}
	c.logger.Debug("youtube details fetched", "id", id, "title", d.Title)
	return d, nil
}

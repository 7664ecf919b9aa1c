// Package convert holds one domain.Converter per content kind.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"mediabot/internal/domain"
)

// Loader fetches the bytes behind a ContentItem: its first attachment, or its
// URL for link items.
type Loader struct {
	Reader   domain.AttachmentReader
	Client   *http.Client
	MaxBytes int64 // 0 = unlimited
}

func (l Loader) Load(ctx context.Context, item domain.ContentItem) ([]byte, error) {
	if len(item.Attachments) > 0 {
		return l.attachment(ctx, item.Attachments[0])
	}
	if item.URL == "" {
		return nil, errors.New("item has no attachment or url")
	}
	return l.url(ctx, item.URL)
}

func (l Loader) attachment(ctx context.Context, att domain.Attachment) ([]byte, error) {
	if l.Reader == nil {
		return nil, errors.New("no attachment reader configured")
	}
	data, err := l.Reader.ReadAttachment(ctx, att)
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", att.Filename, err)
	}
	return data, nil
}

func (l Loader) url(ctx context.Context, rawURL string) ([]byte, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if l.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, l.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if l.MaxBytes > 0 && int64(len(data)) > l.MaxBytes {
		return nil, fmt.Errorf("download %s: larger than %d bytes", rawURL, l.MaxBytes)
	}
	return data, nil
}

func report(progress domain.ProgressFunc, format string, args ...any) {
	if progress != nil {
		progress(fmt.Sprintf(format, args...))
	}
}

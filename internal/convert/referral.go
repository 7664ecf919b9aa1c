package convert

import (
	"context"
	"log/slog"

	"mediabot/internal/domain"
)

const (
	referralBlue = 0x3498db
	referralRed  = 0xe74c3c

	blockedNotice = "⚠️ This website blocks automated access, but you can still click the link to visit directly."
	limitedNotice = "⚠️ Limited preview available due to access restrictions."
)

// PageFetcher summarises a web page. It never fails; degraded summaries
// carry Metadata.Error.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) domain.Metadata
}

// Referral turns a referral link into a preview embed.
type Referral struct {
	fetcher PageFetcher
	logger  *slog.Logger
}

func NewReferral(fetcher PageFetcher, logger *slog.Logger) *Referral {
	if logger == nil {
		logger = slog.Default()
	}
	return &Referral{fetcher: fetcher, logger: logger}
}

func (c *Referral) Convert(ctx context.Context, item domain.ContentItem, progress domain.ProgressFunc) (*domain.Result, error) {
	report(progress, "Fetching preview for %s...", item.Name)
	md := c.fetcher.Fetch(ctx, item.URL)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.logger.Info("referral preview built", "url", item.URL, "domain", md.Domain, "error", md.Error)

	res := &domain.Result{
		Artifacts: []domain.Artifact{{Ordinal: 1, Embed: ReferralEmbed(item.URL, md)}},
	}
	switch md.Error {
	case "":
	case "403 Forbidden":
		res.Notice = blockedNotice
	default:
		res.Notice = limitedNotice
	}
	return res, nil
}

// ReferralEmbed renders page metadata as a link card. It always has a title.
func ReferralEmbed(url string, md domain.Metadata) *domain.Embed {
	e := &domain.Embed{
		Title:         md.Title,
		Description:   md.Description,
		URL:           url,
		Color:         referralBlue,
		ImageURL:      md.Image,
		FooterText:    md.Domain,
		FooterIconURL: md.Favicon,
	}
	if e.Title == "" {
		e.Title = "Visit Website"
	}
	if e.Description == "" {
		e.Description = "No description available"
	}
	if md.Error != "" {
		e.Color = referralRed
		e.FooterText += " • " + md.Error
	}
	return e
}

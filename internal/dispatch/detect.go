package dispatch

import (
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"mediabot/internal/domain"
)

var (
	imageExts = map[string]bool{
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
		".webp": true, ".bmp": true, ".tiff": true,
	}
	videoExts = map[string]bool{".mp4": true, ".mov": true}

	youtubeRe   = regexp.MustCompile(`(?:https?://)?(?:www\.)?(?:youtube\.com/watch\?v=|youtu\.be/)([a-zA-Z0-9_-]{11})`)
	urlRe       = regexp.MustCompile(`https?://(?:[-\w.]|%[\da-fA-F]{2})+\S*`)
	videoLinkRe = regexp.MustCompile(`(?i)https?://\S+?\.(?:mp4|mov)(?:\?\S*)?(?:\s|$)`)
)

// Detector maps a message to at most one ContentItem.
type Detector struct {
	ReferralChannelID string
	// Enabled filters kinds without a registered converter. nil enables all.
	Enabled func(domain.ContentKind) bool
}

// Detect inspects attachments and then text in fixed priority order:
// image batch, pdf, docx, video, youtube link, referral link.
func (d Detector) Detect(msg domain.InboundMessage) (domain.ContentItem, bool) {
	src := domain.SourceRef{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
		AuthorID:  msg.AuthorID,
	}
	for _, detect := range []func(domain.InboundMessage) (domain.ContentItem, bool){
		detectImageBatch,
		attachmentOf(domain.KindPDF, ".pdf"),
		attachmentOf(domain.KindDOCX, ".docx"),
		detectVideo,
		detectYouTube,
		d.detectReferral,
	} {
		item, ok := detect(msg)
		if !ok || !d.enabled(item.Kind) {
			continue
		}
		item.Source = src
		return item, true
	}
	return domain.ContentItem{}, false
}

func (d Detector) enabled(k domain.ContentKind) bool {
	return d.Enabled == nil || d.Enabled(k)
}

func ext(name string) string { return strings.ToLower(filepath.Ext(name)) }

func detectImageBatch(msg domain.InboundMessage) (domain.ContentItem, bool) {
	var imgs []domain.Attachment
	var total int64
	for _, a := range msg.Attachments {
		if imageExts[ext(a.Filename)] {
			imgs = append(imgs, a)
			total += a.Size
		}
	}
	if len(imgs) < 2 {
		return domain.ContentItem{}, false
	}
	return domain.ContentItem{
		Kind:        domain.KindImageBatch,
		Attachments: imgs,
		Size:        total,
		Name:        imgs[0].Filename,
	}, true
}

func attachmentOf(kind domain.ContentKind, suffix string) func(domain.InboundMessage) (domain.ContentItem, bool) {
	return func(msg domain.InboundMessage) (domain.ContentItem, bool) {
		for _, a := range msg.Attachments {
			if ext(a.Filename) == suffix {
				return domain.ContentItem{
					Kind:        kind,
					Attachments: []domain.Attachment{a},
					Size:        a.Size,
					Name:        a.Filename,
				}, true
			}
		}
		return domain.ContentItem{}, false
	}
}

func detectVideo(msg domain.InboundMessage) (domain.ContentItem, bool) {
	for _, a := range msg.Attachments {
		if videoExts[ext(a.Filename)] {
			return domain.ContentItem{
				Kind:        domain.KindVideo,
				Attachments: []domain.Attachment{a},
				Size:        a.Size,
				Name:        a.Filename,
			}, true
		}
	}
	m := videoLinkRe.FindString(msg.Content)
	if m == "" {
		return domain.ContentItem{}, false
	}
	link := strings.TrimSpace(m)
	name := "video.mp4"
	if u, err := url.Parse(link); err == nil && path.Base(u.Path) != "" {
		name = path.Base(u.Path)
	}
	return domain.ContentItem{Kind: domain.KindVideo, URL: link, Name: name}, true
}

func detectYouTube(msg domain.InboundMessage) (domain.ContentItem, bool) {
	m := youtubeRe.FindStringSubmatch(msg.Content)
	if m == nil {
		return domain.ContentItem{}, false
	}
	return domain.ContentItem{
		Kind:    domain.KindYouTube,
		URL:     "https://www.youtube.com/watch?v=" + m[1],
		VideoID: m[1],
	}, true
}

func (d Detector) detectReferral(msg domain.InboundMessage) (domain.ContentItem, bool) {
	if d.ReferralChannelID == "" || msg.ChannelID != d.ReferralChannelID {
		return domain.ContentItem{}, false
	}
	link := urlRe.FindString(msg.Content)
	if link == "" {
		return domain.ContentItem{}, false
	}
	name := link
	if u, err := url.Parse(link); err == nil && u.Host != "" {
		name = u.Host
	}
	return domain.ContentItem{Kind: domain.KindReferral, URL: link, Name: name}, true
}

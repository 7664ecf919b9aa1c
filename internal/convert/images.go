package convert

import (
	"context"
	"fmt"
	"sort"

	"mediabot/internal/domain"
)

// ImageBatch reposts the images of a message, ordered by filename.
type ImageBatch struct {
	Reader domain.AttachmentReader
}

func (c *ImageBatch) Convert(ctx context.Context, item domain.ContentItem, progress domain.ProgressFunc) (*domain.Result, error) {
	atts := append([]domain.Attachment(nil), item.Attachments...)
	sort.SliceStable(atts, func(i, j int) bool { return atts[i].Filename < atts[j].Filename })

	report(progress, "Processing %d images...", len(atts))
	res := &domain.Result{}
	for i, att := range atts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := c.Reader.ReadAttachment(ctx, att)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", att.Filename, err)
		}
		res.Artifacts = append(res.Artifacts, domain.Artifact{
			Ordinal:  i + 1,
			Filename: att.Filename,
			Data:     data,
		})
	}
	return res, nil
}

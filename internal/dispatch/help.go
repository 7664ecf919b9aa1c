package dispatch

import "mediabot/internal/domain"

const colorBlue = 0x3498db

// HelpEmbed lists what the bot reacts to.
func HelpEmbed(prefix string) *domain.Embed {
	return &domain.Embed{
		Title:       "Document and Media Bot Help",
		Description: "This bot helps manage PDFs, DOCXs, image batches, YouTube videos, and video files in your server.",
		Color:       colorBlue,
		Fields: []domain.EmbedField{
			{Name: "PDF Handling", Value: "Upload PDFs to any channel the bot can see, and it will convert them to images."},
			{Name: "DOCX Handling", Value: "Upload Word documents (.docx) to any channel the bot can see, and it will convert them to images."},
			{Name: "Image Batch Handling", Value: "Upload multiple images (PNG, JPG, WEBP, etc.) at once, and the bot will collect them into a thread."},
			{Name: "YouTube Videos", Value: "Post YouTube links in any channel the bot can see, and it will create a rich embed with the video."},
			{Name: "Videos", Value: "Upload .mp4 or .mov files (or post a direct link) and the bot will post a watermarked copy, split into parts when needed."},
			{Name: "Referral Links", Value: "Links posted in the referral channel get a preview card."},
			{Name: "Commands", Value: "`" + prefix + "help` shows this message."},
		},
		FooterText: "Every upload asks whether to create a thread or post here.",
	}
}

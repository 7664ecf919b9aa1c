package domain

import "time"

// Attachment is a file uploaded with an inbound message.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	URL         string
	Size        int64
}

type InboundMessage struct {
	ID          string
	Channel     string // platform name, e.g. "discord"
	ChannelID   string
	GuildID     string
	AuthorID    string
	AuthorIsBot bool
	Content     string
	Attachments []Attachment
	Timestamp   time.Time
}

// OutboundMessage is a plain notice routed through the bus to a platform.
type OutboundMessage struct {
	Channel   string
	ChannelID string
	ReplyTo   string // optional source message ID
	Content   string
	Embed     *Embed
}

package domain

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// ContentKind is the type of content a workflow processes.
type ContentKind string

const (
	KindImageBatch ContentKind = "image-batch"
	KindPDF        ContentKind = "pdf"
	KindDOCX       ContentKind = "docx"
	KindVideo      ContentKind = "video"
	KindYouTube    ContentKind = "youtube-link"
	KindReferral   ContentKind = "referral-link"
)

// IsLink reports whether the kind originates from message text rather than
// an uploaded file. Link prompts expire.
func (k ContentKind) IsLink() bool {
	return k == KindYouTube || k == KindReferral
}

// Label is the short human name used in status messages.
func (k ContentKind) Label() string {
	switch k {
	case KindImageBatch:
		return "images"
	case KindPDF:
		return "PDF"
	case KindDOCX:
		return "DOCX"
	case KindVideo:
		return "video"
	case KindYouTube:
		return "YouTube video"
	case KindReferral:
		return "link"
	}
	return string(k)
}

// SourceRef identifies the message a ContentItem was detected in.
type SourceRef struct {
	MessageID string
	ChannelID string
	GuildID   string
	AuthorID  string
}

// ContentItem is one detected unit of work. It is not modified after the
// dispatcher creates it.
type ContentItem struct {
	Kind        ContentKind
	Source      SourceRef
	Attachments []Attachment // one for pdf/docx/video files, two or more for image batches
	URL         string       // link kinds and video links
	VideoID     string       // youtube-link only
	Size        int64
	Name        string
}

// ThreadName is the default thread title for the item.
func (c ContentItem) ThreadName() string {
	switch c.Kind {
	case KindImageBatch:
		base := strings.TrimSuffix(c.Name, filepath.Ext(c.Name))
		if len(c.Attachments) > 1 {
			return fmt.Sprintf("%s and %d more", base, len(c.Attachments)-1)
		}
		return base
	case KindVideo:
		return strings.TrimSuffix(c.Name, filepath.Ext(c.Name)) + ".mp4"
	case KindYouTube:
		return "Watch: " + c.VideoID
	}
	return c.Name
}

// SizeMB returns the declared size in megabytes.
func (c ContentItem) SizeMB() float64 {
	return float64(c.Size) / (1024 * 1024)
}

// Choice is the user's answer to a ChoicePrompt.
type Choice int

const (
	ChoiceNone Choice = iota
	ChoiceThread
	ChoiceHere
)

func (c Choice) String() string {
	switch c {
	case ChoiceThread:
		return "thread"
	case ChoiceHere:
		return "here"
	}
	return "none"
}

// ParseChoice is the inverse of Choice.String.
func ParseChoice(s string) Choice {
	switch s {
	case "thread":
		return ChoiceThread
	case "here":
		return ChoiceHere
	}
	return ChoiceNone
}

// Permission is a bitset of the capabilities workflows need.
type Permission uint32

const (
	PermSendMessages Permission = 1 << iota
	PermAttachFiles
	PermEmbedLinks
	PermManageMessages
	PermCreatePublicThreads
	PermManageThreads
	PermReadHistory
)

var permissionNames = []struct {
	p    Permission
	name string
}{
	{PermSendMessages, "Send Messages"},
	{PermAttachFiles, "Attach Files"},
	{PermEmbedLinks, "Embed Links"},
	{PermManageMessages, "Manage Messages"},
	{PermCreatePublicThreads, "Create Public Threads"},
	{PermManageThreads, "Manage Threads"},
	{PermReadHistory, "Read Message History"},
}

// Missing lists the names of permissions in want that p lacks.
func (p Permission) Missing(want Permission) []string {
	var out []string
	for _, pn := range permissionNames {
		if want&pn.p != 0 && p&pn.p == 0 {
			out = append(out, pn.name)
		}
	}
	return out
}

// Thread is a discussion thread created by the bot.
type Thread struct {
	ID       string
	ParentID string
	Name     string
}

// Mention renders the platform mention for the thread.
func (t Thread) Mention() string { return "<#" + t.ID + ">" }

// ChannelMessage is a message read back from channel history.
type ChannelMessage struct {
	ID            string
	AuthorIsBot   bool
	Content       string
	ThreadCreated bool   // platform system message announcing a new thread
	RefChannelID  string // channel referenced by the message, if any
}

// Converter turns a ContentItem into postable artifacts.
type Converter interface {
	Convert(ctx context.Context, item ContentItem, progress ProgressFunc) (*Result, error)
}

// Describer is implemented by converters that look up details (a title, for
// instance) before the prompt is shown. The returned item replaces the input.
type Describer interface {
	Describe(ctx context.Context, item ContentItem) (ContentItem, error)
}

// ProgressFunc receives human-readable progress lines during conversion.
type ProgressFunc func(line string)

// Result is what a converter hands back to the workflow.
type Result struct {
	Artifacts  []Artifact
	Notice     string // shown instead of removing the status message
	ThreadName string // overrides ContentItem.ThreadName when set
	Trailer    string // sent after the last artifact
}

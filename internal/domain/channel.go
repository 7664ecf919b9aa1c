package domain

import "context"

// Channel is a chat platform the bot is connected to.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}

// Messenger sends, edits and deletes messages on a platform.
//
// Send returns the new message ID. Errors are classified: ErrForbidden,
// ErrNotFound and *RateLimitError are the ones callers act on.
type Messenger interface {
	Send(ctx context.Context, channelID string, out Outgoing) (string, error)
	Edit(ctx context.Context, channelID, messageID string, out Outgoing) error
	Delete(ctx context.Context, channelID, messageID string) error
}

// ThreadAPI is the subset of platform calls needed to manage threads.
type ThreadAPI interface {
	StartThread(ctx context.Context, parentID, name string) (Thread, error)
	StartThreadFromMessage(ctx context.Context, parentID, messageID, name string) (Thread, error)
	RecentMessages(ctx context.Context, channelID string, limit int) ([]ChannelMessage, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	DeleteThread(ctx context.Context, threadID string) error
}

// AttachmentReader downloads attachment bytes.
type AttachmentReader interface {
	ReadAttachment(ctx context.Context, att Attachment) ([]byte, error)
}

// PermissionChecker reports the bot's own permissions in a channel.
type PermissionChecker interface {
	Permissions(ctx context.Context, channelID string) (Permission, error)
}

// ChoiceActivator accepts a user's button press for a pending prompt.
// It returns false when the prompt is unknown or already activated.
type ChoiceActivator interface {
	Activate(promptID string, choice Choice) bool
}

package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"mediabot/internal/domain"
)

const (
	discordMaxMsgLen = 2000
	platformName     = "discord"

	choicePrefix = "choice:"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	BotUserID() string

	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserChannelPermissions(userID, channelID string, options ...discordgo.RequestOption) (int64, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }

func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

func (r *realSession) BotUserID() string {
	if r.s.State == nil || r.s.State.User == nil {
		return ""
	}
	return r.s.State.User.ID
}

func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(m, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return r.s.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}
func (r *realSession) ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ThreadStartComplex(channelID, data, options...)
}
func (r *realSession) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.MessageThreadStartComplex(channelID, messageID, data, options...)
}
func (r *realSession) ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ChannelDelete(channelID, options...)
}
func (r *realSession) UserChannelPermissions(userID, channelID string, options ...discordgo.RequestOption) (int64, error) {
	return r.s.UserChannelPermissions(userID, channelID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}

// Discord connects the bot to the Discord gateway and implements the
// platform interfaces workflows use: domain.Messenger, domain.ThreadAPI,
// domain.AttachmentReader and domain.PermissionChecker.
type Discord struct {
	token       string
	guildID     string
	archiveMins int
	sess        session
	activator   domain.ChoiceActivator
	httpClient  *http.Client
	maxDownload int64
	logger      *slog.Logger

	mu    sync.RWMutex
	botID string
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token              string
	GuildID            string // optional: ignore other guilds
	AutoArchiveMinutes int    // thread auto-archive; default 1440
	Activator          domain.ChoiceActivator
	HTTPClient         *http.Client
	MaxDownloadBytes   int64 // 0 = unlimited
	Logger             *slog.Logger

	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// NewDiscord creates a Discord channel. The session is created lazily by
// Start unless one is injected.
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.Session == nil && cfg.Token == "" {
		return nil, errors.New("discord: bot token is required")
	}
	if cfg.AutoArchiveMinutes <= 0 {
		cfg.AutoArchiveMinutes = 1440
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Discord{
		token:       cfg.Token,
		guildID:     cfg.GuildID,
		archiveMins: cfg.AutoArchiveMinutes,
		sess:        cfg.Session,
		activator:   cfg.Activator,
		httpClient:  cfg.HTTPClient,
		maxDownload: cfg.MaxDownloadBytes,
		logger:      cfg.Logger,
	}
	if d.sess == nil {
		dg, err := discordgo.New("Bot " + d.token)
		if err != nil {
			return nil, fmt.Errorf("discord session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		// 429s surface as domain.RateLimitError; each caller retries once.
		dg.ShouldRetryOnRateLimit = false
		d.sess = &realSession{s: dg}
	}
	return d, nil
}

// SetActivator routes button presses to a. It must be called before Start.
func (d *Discord) SetActivator(a domain.ChoiceActivator) { d.activator = a }

func (d *Discord) Name() string { return platformName }

// Start connects to Discord and blocks until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	bus.OnOutbound(platformName, func(msg domain.OutboundMessage) {
		d.sendNotice(ctx, msg)
	})

	d.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		d.setBotID(r.User.ID)
		d.logger.Info("discord bot connected", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	d.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.logger.Warn("discord gateway disconnected, reconnecting")
	})
	d.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if msg, ok := d.inbound(m); ok {
			bus.Publish(msg)
		}
	})
	d.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		d.handleInteraction(ctx, i)
	})

	if err := d.sess.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	if id := d.sess.BotUserID(); id != "" {
		d.setBotID(id)
	}

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return d.sess.Close()
}

func (d *Discord) Stop() error { return d.sess.Close() }

func (d *Discord) setBotID(id string) {
	d.mu.Lock()
	d.botID = id
	d.mu.Unlock()
}

func (d *Discord) botUserID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.botID
}

// inbound converts a gateway message. The bot's own messages and other
// guilds are ignored.
func (d *Discord) inbound(m *discordgo.MessageCreate) (domain.InboundMessage, bool) {
	if m.Author == nil || m.Author.ID == d.botUserID() {
		return domain.InboundMessage{}, false
	}
	if d.guildID != "" && m.GuildID != d.guildID {
		return domain.InboundMessage{}, false
	}

	msg := domain.InboundMessage{
		ID:          m.ID,
		Channel:     platformName,
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		AuthorID:    m.Author.ID,
		AuthorIsBot: m.Author.Bot,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, domain.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			URL:         a.URL,
			Size:        int64(a.Size),
		})
	}
	d.logger.Debug("discord message received",
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		"attachments", len(msg.Attachments),
		"content_len", len(m.Content),
	)
	return msg, true
}

// --- buttons ---

func choiceID(promptID string, c domain.Choice) string {
	return choicePrefix + promptID + ":" + c.String()
}

// parseChoiceID is the inverse of choiceID.
func parseChoiceID(customID string) (string, domain.Choice, bool) {
	rest, ok := strings.CutPrefix(customID, choicePrefix)
	if !ok {
		return "", domain.ChoiceNone, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", domain.ChoiceNone, false
	}
	c := domain.ParseChoice(rest[i+1:])
	if c == domain.ChoiceNone {
		return "", domain.ChoiceNone, false
	}
	return rest[:i], c, true
}

func choiceButtons(promptID string, disabled bool) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "Create Thread",
				Style:    discordgo.PrimaryButton,
				CustomID: choiceID(promptID, domain.ChoiceThread),
				Disabled: disabled,
			},
			discordgo.Button{
				Label:    "Post Here",
				Style:    discordgo.SecondaryButton,
				CustomID: choiceID(promptID, domain.ChoiceHere),
				Disabled: disabled,
			},
		}},
	}
}

func (d *Discord) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	promptID, choice, ok := parseChoiceID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	// Buttons are disabled before activation so the workflow's own status
	// edits always land after this response.
	content := ""
	if i.Message != nil {
		content = i.Message.Content
	}
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: choiceButtons(promptID, true),
		},
	}
	if err := d.sess.InteractionRespond(i.Interaction, resp, discordgo.WithContext(ctx)); err != nil {
		d.logger.Warn("interaction respond failed", "prompt_id", promptID, "err", classify(err))
	}

	accepted := d.activator != nil && d.activator.Activate(promptID, choice)
	d.logger.Info("prompt choice", "prompt_id", promptID, "choice", choice.String(), "accepted", accepted)
}

// --- domain.Messenger ---

func (d *Discord) Send(ctx context.Context, channelID string, out domain.Outgoing) (string, error) {
	data := &discordgo.MessageSend{Content: out.Content}
	if out.Embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{toEmbed(out.Embed)}
	}
	for _, f := range out.Files {
		data.Files = append(data.Files, &discordgo.File{Name: f.Name, Reader: bytes.NewReader(f.Data)})
	}
	if out.PromptID != "" {
		data.Components = choiceButtons(out.PromptID, false)
	}
	if out.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{MessageID: out.ReplyTo, ChannelID: channelID}
	}

	m, err := d.sess.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord send: %w", classify(err))
	}
	return m.ID, nil
}

// Edit replaces content and embed. Without a PromptID the buttons are removed.
func (d *Discord) Edit(ctx context.Context, channelID, messageID string, out domain.Outgoing) error {
	edit := discordgo.NewMessageEdit(channelID, messageID).SetContent(out.Content)
	embeds := []*discordgo.MessageEmbed{}
	if out.Embed != nil {
		embeds = append(embeds, toEmbed(out.Embed))
	}
	edit.Embeds = &embeds
	components := []discordgo.MessageComponent{}
	if out.PromptID != "" {
		components = choiceButtons(out.PromptID, false)
	}
	edit.Components = &components

	if _, err := d.sess.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord edit: %w", classify(err))
	}
	return nil
}

func (d *Discord) Delete(ctx context.Context, channelID, messageID string) error {
	if err := d.sess.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord delete: %w", classify(err))
	}
	return nil
}

// sendNotice delivers a bus notice, splitting long text.
func (d *Discord) sendNotice(ctx context.Context, msg domain.OutboundMessage) {
	chunks := splitMessage(msg.Content, discordMaxMsgLen)
	for i, chunk := range chunks {
		out := domain.Outgoing{Content: chunk}
		if i == 0 {
			out.ReplyTo = msg.ReplyTo
		}
		if i == len(chunks)-1 {
			out.Embed = msg.Embed
		}
		if out.Content == "" && out.Embed == nil {
			continue
		}
		err := retryOnRateLimit(ctx, func() error {
			_, err := d.Send(ctx, msg.ChannelID, out)
			return err
		})
		if err != nil {
			d.logger.Error("discord notice failed", "channel_id", msg.ChannelID, "err", err)
			return
		}
	}
}

// --- domain.ThreadAPI ---

func (d *Discord) StartThread(ctx context.Context, parentID, name string) (domain.Thread, error) {
	ch, err := d.sess.ThreadStartComplex(parentID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: d.archiveMins,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return domain.Thread{}, fmt.Errorf("discord start thread: %w", classify(err))
	}
	return domain.Thread{ID: ch.ID, ParentID: parentID, Name: ch.Name}, nil
}

func (d *Discord) StartThreadFromMessage(ctx context.Context, parentID, messageID, name string) (domain.Thread, error) {
	ch, err := d.sess.MessageThreadStartComplex(parentID, messageID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: d.archiveMins,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return domain.Thread{}, fmt.Errorf("discord start thread from message: %w", classify(err))
	}
	return domain.Thread{ID: ch.ID, ParentID: parentID, Name: ch.Name}, nil
}

func (d *Discord) RecentMessages(ctx context.Context, channelID string, limit int) ([]domain.ChannelMessage, error) {
	msgs, err := d.sess.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord channel messages: %w", classify(err))
	}
	out := make([]domain.ChannelMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := domain.ChannelMessage{
			ID:            m.ID,
			Content:       m.Content,
			ThreadCreated: m.Type == discordgo.MessageTypeThreadCreated,
		}
		if m.Author != nil {
			cm.AuthorIsBot = m.Author.Bot
		}
		if m.MessageReference != nil {
			cm.RefChannelID = m.MessageReference.ChannelID
		}
		out = append(out, cm)
	}
	return out, nil
}

func (d *Discord) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return d.Delete(ctx, channelID, messageID)
}

func (d *Discord) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := d.sess.ChannelDelete(threadID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord delete thread: %w", classify(err))
	}
	return nil
}

// --- domain.AttachmentReader ---

func (d *Discord) ReadAttachment(ctx context.Context, att domain.Attachment) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", att.Filename, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("download %s: %w", att.Filename, domain.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("download %s: status %d", att.Filename, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if d.maxDownload > 0 {
		body = io.LimitReader(resp.Body, d.maxDownload+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", att.Filename, err)
	}
	if d.maxDownload > 0 && int64(len(data)) > d.maxDownload {
		return nil, fmt.Errorf("download %s: larger than %d bytes", att.Filename, d.maxDownload)
	}
	return data, nil
}

// --- domain.PermissionChecker ---

var permissionBits = []struct {
	discord int64
	perm    domain.Permission
}{
	{discordgo.PermissionSendMessages, domain.PermSendMessages},
	{discordgo.PermissionAttachFiles, domain.PermAttachFiles},
	{discordgo.PermissionEmbedLinks, domain.PermEmbedLinks},
	{discordgo.PermissionManageMessages, domain.PermManageMessages},
	{discordgo.PermissionCreatePublicThreads, domain.PermCreatePublicThreads},
	{discordgo.PermissionManageThreads, domain.PermManageThreads},
	{discordgo.PermissionReadMessageHistory, domain.PermReadHistory},
}

func (d *Discord) Permissions(ctx context.Context, channelID string) (domain.Permission, error) {
	bits, err := d.sess.UserChannelPermissions(d.botUserID(), channelID, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("discord permissions: %w", classify(err))
	}
	return toPermission(bits), nil
}

func toPermission(bits int64) domain.Permission {
	var p domain.Permission
	admin := bits&discordgo.PermissionAdministrator != 0
	for _, pb := range permissionBits {
		if admin || bits&pb.discord != 0 {
			p |= pb.perm
		}
	}
	return p
}

// --- helpers ---

// classify maps Discord REST failures onto the domain error taxonomy.
func classify(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return &domain.RateLimitError{RetryAfter: rl.RetryAfter}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", domain.ErrForbidden, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
		case http.StatusTooManyRequests:
			return &domain.RateLimitError{RetryAfter: retryAfter(rest.Response.Header)}
		}
	}
	return err
}

// retryAfter reads the Retry-After header in seconds, defaulting to one.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.ParseFloat(h.Get("Retry-After"), 64)
	if err != nil || secs <= 0 {
		return time.Second
	}
	return time.Duration(secs * float64(time.Second))
}

// retryOnRateLimit runs fn once more after the advertised wait when Discord
// answers with 429.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	err := fn()
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		return err
	}
	t := time.NewTimer(rl.RetryAfter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return fn()
}

func toEmbed(e *domain.Embed) *discordgo.MessageEmbed {
	me := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
		Color:       e.Color,
	}
	if e.ImageURL != "" {
		me.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
	}
	if e.ThumbnailURL != "" {
		me.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
	}
	if e.FooterText != "" || e.FooterIconURL != "" {
		me.Footer = &discordgo.MessageEmbedFooter{Text: e.FooterText, IconURL: e.FooterIconURL}
	}
	for _, f := range e.Fields {
		me.Fields = append(me.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return me
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

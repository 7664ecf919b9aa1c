package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"mediabot/internal/bus"
	"mediabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockSession implements session for testing without a Discord connection.
type mockSession struct {
	mu        sync.Mutex
	opened    bool
	closed    bool
	handlers  []interface{}
	sent      []sentMessage
	sendErr   error
	sendErrs  []error // consumed before sendErr
	edits     []*discordgo.MessageEdit
	deleted   []string
	threads   []*discordgo.ThreadStart
	messages  []*discordgo.Message
	perms     int64
	responses []*discordgo.InteractionResponse
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func newMockSession() *mockSession { return &mockSession{} }

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

func (m *mockSession) BotUserID() string { return "bot-1" }

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		return nil, err
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "msg-123"}, nil
}

func (m *mockSession) ChannelMessageEditComplex(e *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, e)
	return &discordgo.Message{ID: e.ID}, nil
}

func (m *mockSession) ChannelMessageDelete(_, messageID string, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, messageID)
	return nil
}

func (m *mockSession) ChannelMessages(string, int, string, string, string, ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	return m.messages, nil
}

func (m *mockSession) ThreadStartComplex(_ string, data *discordgo.ThreadStart, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads = append(m.threads, data)
	return &discordgo.Channel{ID: "thread-1", Name: data.Name}, nil
}

func (m *mockSession) MessageThreadStartComplex(_, _ string, data *discordgo.ThreadStart, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads = append(m.threads, data)
	return &discordgo.Channel{ID: "thread-2", Name: data.Name}, nil
}

func (m *mockSession) ChannelDelete(channelID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (m *mockSession) UserChannelPermissions(string, string, ...discordgo.RequestOption) (int64, error) {
	return m.perms, nil
}

func (m *mockSession) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func newTestDiscord(t *testing.T, m *mockSession, activator domain.ChoiceActivator) *Discord {
	t.Helper()
	d, err := NewDiscord(DiscordConfig{Session: m, Activator: activator, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewDiscord: %v", err)
	}
	return d
}

type fakeActivator struct {
	promptID string
	choice   domain.Choice
	accept   bool
}

func (f *fakeActivator) Activate(promptID string, c domain.Choice) bool {
	f.promptID, f.choice = promptID, c
	return f.accept
}

func TestNewDiscord_RequiresToken(t *testing.T) {
	if _, err := NewDiscord(DiscordConfig{}); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestSend_PromptButtonsAndReply(t *testing.T) {
	m := newMockSession()
	d := newTestDiscord(t, m, nil)

	id, err := d.Send(context.Background(), "ch-1", domain.Outgoing{
		Content:  "Create a thread?",
		Embed:    &domain.Embed{Title: "T", FooterText: "f", Fields: []domain.EmbedField{{Name: "Views", Value: "1"}}},
		Files:    []domain.File{{Name: "page_1.png", Data: []byte("png")}},
		PromptID: "p1",
		ReplyTo:  "src-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "msg-123" {
		t.Fatalf("id = %q", id)
	}

	data := m.sent[0].data
	if data.Reference == nil || data.Reference.MessageID != "src-1" {
		t.Fatalf("missing reply reference: %+v", data.Reference)
	}
	if len(data.Files) != 1 || data.Files[0].Name != "page_1.png" {
		t.Fatalf("unexpected files %+v", data.Files)
	}
	if len(data.Embeds) != 1 || data.Embeds[0].Footer.Text != "f" || len(data.Embeds[0].Fields) != 1 {
		t.Fatalf("unexpected embed %+v", data.Embeds)
	}
	row, ok := data.Components[0].(discordgo.ActionsRow)
	if !ok || len(row.Components) != 2 {
		t.Fatalf("expected one row of two buttons, got %+v", data.Components)
	}
	if b := row.Components[0].(discordgo.Button); b.CustomID != "choice:p1:thread" || b.Disabled {
		t.Fatalf("unexpected thread button %+v", b)
	}
	if b := row.Components[1].(discordgo.Button); b.CustomID != "choice:p1:here" {
		t.Fatalf("unexpected here button %+v", b)
	}
}

func TestSend_NoPromptNoComponents(t *testing.T) {
	m := newMockSession()
	d := newTestDiscord(t, m, nil)
	if _, err := d.Send(context.Background(), "ch-1", domain.Outgoing{Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if m.sent[0].data.Components != nil || m.sent[0].data.Reference != nil {
		t.Fatalf("unexpected extras %+v", m.sent[0].data)
	}
}

func TestSend_ClassifiesErrors(t *testing.T) {
	m := newMockSession()
	m.sendErr = &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
	d := newTestDiscord(t, m, nil)
	if _, err := d.Send(context.Background(), "ch-1", domain.Outgoing{Content: "x"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestEdit_RemovesControls(t *testing.T) {
	m := newMockSession()
	d := newTestDiscord(t, m, nil)
	if err := d.Edit(context.Background(), "ch-1", "m-1", domain.Outgoing{Content: "Converting..."}); err != nil {
		t.Fatal(err)
	}
	e := m.edits[0]
	if e.ID != "m-1" || e.Channel != "ch-1" || *e.Content != "Converting..." {
		t.Fatalf("unexpected edit %+v", e)
	}
	if e.Components == nil || len(*e.Components) != 0 {
		t.Fatal("expected components to be cleared")
	}
	if e.Embeds == nil || len(*e.Embeds) != 0 {
		t.Fatal("expected embeds to be cleared")
	}
}

func TestClassify(t *testing.T) {
	rest := func(code int) error {
		return &discordgo.RESTError{Response: &http.Response{StatusCode: code}}
	}
	if err := classify(rest(http.StatusNotFound)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("404: got %v", err)
	}
	var rl *domain.RateLimitError
	if err := classify(rest(http.StatusTooManyRequests)); !errors.As(err, &rl) || rl.RetryAfter != time.Second {
		t.Errorf("429 without Retry-After: got %v", err)
	}
	withHeader := &discordgo.RESTError{Response: &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"2.5"}},
	}}
	if err := classify(withHeader); !errors.As(err, &rl) || rl.RetryAfter != 2500*time.Millisecond {
		t.Errorf("429 with Retry-After: got %v", err)
	}

	limited := &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 3 * time.Second},
	}}
	if err := classify(limited); !errors.As(err, &rl) || rl.RetryAfter != 3*time.Second {
		t.Errorf("rate limit: got %v", err)
	}

	plain := errors.New("boom")
	if classify(plain) != plain {
		t.Error("unknown errors must pass through")
	}
}

func TestToPermission(t *testing.T) {
	p := toPermission(discordgo.PermissionSendMessages | discordgo.PermissionAttachFiles)
	if missing := p.Missing(domain.PermSendMessages | domain.PermAttachFiles); len(missing) != 0 {
		t.Fatalf("unexpected missing %v", missing)
	}
	if missing := p.Missing(domain.PermManageThreads); len(missing) != 1 {
		t.Fatalf("expected Manage Threads missing, got %v", missing)
	}

	admin := toPermission(discordgo.PermissionAdministrator)
	all := domain.PermSendMessages | domain.PermAttachFiles | domain.PermEmbedLinks | domain.PermManageMessages |
		domain.PermCreatePublicThreads | domain.PermManageThreads | domain.PermReadHistory
	if admin != all {
		t.Fatalf("administrator = %b, want %b", admin, all)
	}
}

func TestPermissions_UsesSession(t *testing.T) {
	m := newMockSession()
	m.perms = discordgo.PermissionEmbedLinks
	d := newTestDiscord(t, m, nil)
	p, err := d.Permissions(context.Background(), "ch-1")
	if err != nil {
		t.Fatal(err)
	}
	if p != domain.PermEmbedLinks {
		t.Fatalf("permissions = %b", p)
	}
}

func TestParseChoiceID(t *testing.T) {
	id, c, ok := parseChoiceID(choiceID("wf:abc", domain.ChoiceHere))
	if !ok || id != "wf:abc" || c != domain.ChoiceHere {
		t.Fatalf("got %q %v %v", id, c, ok)
	}
	for _, bad := range []string{"other:1:thread", "choice:p1:maybe", "choice::thread", "choice:"} {
		if _, _, ok := parseChoiceID(bad); ok {
			t.Errorf("%q should not parse", bad)
		}
	}
}

func componentPress(customID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:    discordgo.InteractionMessageComponent,
		Data:    discordgo.MessageComponentInteractionData{CustomID: customID},
		Message: &discordgo.Message{Content: "Create a thread?"},
	}}
}

func TestInteraction_ActivatesPrompt(t *testing.T) {
	m := newMockSession()
	act := &fakeActivator{accept: true}
	d := newTestDiscord(t, m, act)

	d.handleInteraction(context.Background(), componentPress("choice:p1:thread"))

	if act.promptID != "p1" || act.choice != domain.ChoiceThread {
		t.Fatalf("activator got %q %v", act.promptID, act.choice)
	}
	resp := m.responses[0]
	if resp.Type != discordgo.InteractionResponseUpdateMessage {
		t.Fatalf("response type = %v", resp.Type)
	}
	row := resp.Data.Components[0].(discordgo.ActionsRow)
	if !row.Components[0].(discordgo.Button).Disabled {
		t.Fatal("buttons should be disabled after a choice")
	}
}

func TestInteraction_StalePromptStillDisabled(t *testing.T) {
	m := newMockSession()
	act := &fakeActivator{accept: false}
	d := newTestDiscord(t, m, act)

	d.handleInteraction(context.Background(), componentPress("choice:p1:here"))

	if act.choice != domain.ChoiceHere {
		t.Fatalf("activator not consulted, got %v", act.choice)
	}
	if len(m.responses) != 1 || m.responses[0].Type != discordgo.InteractionResponseUpdateMessage {
		t.Fatalf("unexpected responses %+v", m.responses)
	}
}

type orderingActivator struct{ m *mockSession }

func (o orderingActivator) Activate(string, domain.Choice) bool {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	if len(o.m.responses) == 0 {
		panic("activated before the interaction was answered")
	}
	return true
}

func TestInteraction_RespondsBeforeActivating(t *testing.T) {
	m := newMockSession()
	d := newTestDiscord(t, m, orderingActivator{m: m})
	d.handleInteraction(context.Background(), componentPress("choice:p1:thread"))
}

func TestInteraction_IgnoresForeignComponents(t *testing.T) {
	m := newMockSession()
	d := newTestDiscord(t, m, &fakeActivator{accept: true})
	d.handleInteraction(context.Background(), componentPress("poll:1"))
	if len(m.responses) != 0 {
		t.Fatal("foreign components should be left alone")
	}
}

func TestStart_PublishesInbound(t *testing.T) {
	m := newMockSession()
	d := newTestDiscord(t, m, nil)
	b := bus.New(10, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Start(ctx, b); err != nil {
		t.Fatal(err)
	}
	if !m.opened || !m.closed {
		t.Fatal("expected open then close")
	}

	var onMessage func(*discordgo.Session, *discordgo.MessageCreate)
	for _, h := range m.handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			onMessage = fn
		}
	}
	if onMessage == nil {
		t.Fatal("no MessageCreate handler registered")
	}

	// Own messages are dropped.
	onMessage(nil, &discordgo.MessageCreate{Message: &discordgo.Message{ID: "m0", Author: &discordgo.User{ID: "bot-1"}}})
	onMessage(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "ch-1",
		GuildID:   "g-1",
		Content:   "look",
		Author:    &discordgo.User{ID: "u-1"},
		Attachments: []*discordgo.MessageAttachment{
			{ID: "a1", Filename: "report.pdf", ContentType: "application/pdf", URL: "https://cdn/x.pdf", Size: 2048},
		},
	}})

	select {
	case got := <-b.Subscribe():
		if got.ID != "m1" || got.Channel != "discord" || got.GuildID != "g-1" {
			t.Fatalf("unexpected message %+v", got)
		}
		if len(got.Attachments) != 1 || got.Attachments[0].Size != 2048 {
			t.Fatalf("unexpected attachments %+v", got.Attachments)
		}
	default:
		t.Fatal("expected a published message")
	}
	select {
	case extra := <-b.Subscribe():
		t.Fatalf("unexpected extra message %+v", extra)
	default:
	}
}

func TestStart_OutboundNotice(t *testing.T) {
	m := newMockSession()
	d := newTestDiscord(t, m, nil)
	b := bus.New(10, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Start(ctx, b); err != nil {
		t.Fatal(err)
	}

	b.SendOutbound(domain.OutboundMessage{
		Channel:   "discord",
		ChannelID: "ch-1",
		ReplyTo:   "src-1",
		Content:   strings.Repeat("a", discordMaxMsgLen+10),
		Embed:     &domain.Embed{Title: "Help"},
	})
	if len(m.sent) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(m.sent))
	}
	if m.sent[0].data.Reference == nil || m.sent[1].data.Reference != nil {
		t.Fatal("only the first chunk replies to the source")
	}
	if len(m.sent[0].data.Embeds) != 0 || len(m.sent[1].data.Embeds) != 1 {
		t.Fatal("embed belongs on the last chunk")
	}
}

func TestStart_OutboundNoticeRetriesRateLimit(t *testing.T) {
	m := newMockSession()
	m.sendErrs = []error{&discordgo.RESTError{Response: &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"0.01"}},
	}}}
	d := newTestDiscord(t, m, nil)
	b := bus.New(10, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Start(ctx, b); err != nil {
		t.Fatal(err)
	}

	d.sendNotice(context.Background(), domain.OutboundMessage{ChannelID: "ch-1", Content: "too large"})
	if len(m.sent) != 1 || m.sent[0].data.Content != "too large" {
		t.Fatalf("expected the notice after one retry, got %+v", m.sent)
	}
}

func TestGuildFilter(t *testing.T) {
	d, _ := NewDiscord(DiscordConfig{Session: newMockSession(), GuildID: "g-1", Logger: testLogger()})
	if _, ok := d.inbound(&discordgo.MessageCreate{Message: &discordgo.Message{GuildID: "g-2", Author: &discordgo.User{ID: "u"}}}); ok {
		t.Fatal("message from another guild accepted")
	}
}

func TestThreads(t *testing.T) {
	m := newMockSession()
	m.messages = []*discordgo.Message{
		{ID: "n1", Type: discordgo.MessageTypeThreadCreated, Author: &discordgo.User{Bot: true},
			MessageReference: &discordgo.MessageReference{ChannelID: "thread-1"}},
		{ID: "n2", Content: "hello", Author: &discordgo.User{}},
	}
	d := newTestDiscord(t, m, nil)
	ctx := context.Background()

	th, err := d.StartThread(ctx, "ch-1", "Report")
	if err != nil {
		t.Fatal(err)
	}
	if th.ID != "thread-1" || th.ParentID != "ch-1" || th.Name != "Report" {
		t.Fatalf("unexpected thread %+v", th)
	}
	if m.threads[0].AutoArchiveDuration != 1440 || m.threads[0].Type != discordgo.ChannelTypeGuildPublicThread {
		t.Fatalf("unexpected thread start %+v", m.threads[0])
	}
	if _, err := d.StartThreadFromMessage(ctx, "ch-1", "m-1", "Report"); err != nil {
		t.Fatal(err)
	}

	msgs, err := d.RecentMessages(ctx, "ch-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !msgs[0].ThreadCreated || !msgs[0].AuthorIsBot || msgs[0].RefChannelID != "thread-1" {
		t.Fatalf("unexpected notification %+v", msgs[0])
	}
	if msgs[1].ThreadCreated || msgs[1].Content != "hello" {
		t.Fatalf("unexpected message %+v", msgs[1])
	}

	if err := d.DeleteThread(ctx, "thread-1"); err != nil {
		t.Fatal(err)
	}
	if err := d.DeleteMessage(ctx, "ch-1", "n1"); err != nil {
		t.Fatal(err)
	}
	if len(m.deleted) != 2 {
		t.Fatalf("deleted = %v", m.deleted)
	}
}

func TestReadAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	d, _ := NewDiscord(DiscordConfig{Session: newMockSession(), MaxDownloadBytes: 10, Logger: testLogger()})
	data, err := d.ReadAttachment(context.Background(), domain.Attachment{Filename: "a.bin", URL: srv.URL + "/ok"})
	if err != nil || string(data) != "0123456789" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := d.ReadAttachment(context.Background(), domain.Attachment{URL: srv.URL + "/missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	d.maxDownload = 5
	if _, err := d.ReadAttachment(context.Background(), domain.Attachment{URL: srv.URL + "/ok"}); err == nil {
		t.Fatal("expected size error")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	msg := strings.Repeat("x", 8) + "\n" + strings.Repeat("y", 8)
	got := splitMessage(msg, 10)
	if len(got) != 2 || got[0] != strings.Repeat("x", 8)+"\n" || got[1] != strings.Repeat("y", 8) {
		t.Fatalf("got %q", got)
	}
}

package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"mediabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAPI struct {
	startErrs   []error // consumed per StartThread call; nil entry means success
	starts      int
	history     []domain.ChannelMessage
	historyErr  error
	scanLimited int // leading RecentMessages calls that are rate limited
	scans       int
	deleted     []string
	names       []string
}

func (f *fakeAPI) StartThread(_ context.Context, parentID, name string) (domain.Thread, error) {
	f.starts++
	f.names = append(f.names, name)
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return domain.Thread{}, err
		}
	}
	return domain.Thread{ID: "t-1", ParentID: parentID, Name: name}, nil
}

func (f *fakeAPI) StartThreadFromMessage(ctx context.Context, parentID, _ string, name string) (domain.Thread, error) {
	return f.StartThread(ctx, parentID, name)
}

func (f *fakeAPI) RecentMessages(_ context.Context, _ string, limit int) ([]domain.ChannelMessage, error) {
	f.scans++
	if f.scans <= f.scanLimited {
		return nil, &domain.RateLimitError{RetryAfter: time.Second}
	}
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if len(f.history) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, _, messageID string) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeAPI) DeleteThread(context.Context, string) error { return nil }

type sleepRecorder struct{ waits []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func newTestCreator(api *fakeAPI, rec *sleepRecorder) *Creator {
	return NewCreator(Config{
		API:    api,
		Logger: testLogger(),
		Sleep:  rec.sleep,
	})
}

func forbidden() error { return fmt.Errorf("start thread: %w", domain.ErrForbidden) }

// --- TruncateName ---

func TestTruncateName_ShortNameUnchanged(t *testing.T) {
	if got := TruncateName("report.pdf", MaxNameLength); got != "report.pdf" {
		t.Errorf("got %q", got)
	}
}

func TestTruncateName_ExactLimitUnchanged(t *testing.T) {
	name := strings.Repeat("a", 100)
	if got := TruncateName(name, MaxNameLength); got != name {
		t.Error("a 100-character name must not be truncated")
	}
}

func TestTruncateName_LongNameCut(t *testing.T) {
	for _, n := range []int{101, 150, 1000} {
		got := TruncateName(strings.Repeat("x", n), MaxNameLength)
		if len([]rune(got)) != 100 {
			t.Errorf("len(%d) -> %d, want 100", n, len([]rune(got)))
		}
		if !strings.HasSuffix(got, "...") || strings.Count(got, "x") != 97 {
			t.Errorf("expected 97 x's plus ..., got %q", got)
		}
	}
}

func TestTruncateName_MultibyteRunes(t *testing.T) {
	got := TruncateName(strings.Repeat("é", 120), MaxNameLength)
	if len([]rune(got)) != 100 {
		t.Errorf("rune length = %d, want 100", len([]rune(got)))
	}
}

func TestTruncateName_EmptyGetsPlaceholder(t *testing.T) {
	if got := TruncateName("   ", MaxNameLength); got != "Untitled" {
		t.Errorf("got %q", got)
	}
}

// --- Create retry ---

func TestCreate_SucceedsFirstAttempt(t *testing.T) {
	api := &fakeAPI{}
	rec := &sleepRecorder{}
	c := newTestCreator(api, rec)

	th, err := c.Create(context.Background(), "chan", "doc.pdf")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if th.ID != "t-1" || th.ParentID != "chan" {
		t.Errorf("unexpected thread %+v", th)
	}
	if api.starts != 1 {
		t.Errorf("starts = %d, want 1", api.starts)
	}
	// Only the settle wait before the notification scan.
	if len(rec.waits) != 1 || rec.waits[0] != 2*time.Second {
		t.Errorf("waits = %v, want [2s]", rec.waits)
	}
}

func TestCreate_RetriesPermissionWithDoublingBackoff(t *testing.T) {
	api := &fakeAPI{startErrs: []error{forbidden(), forbidden(), nil}}
	rec := &sleepRecorder{}
	c := newTestCreator(api, rec)

	th, err := c.Create(context.Background(), "chan", "doc.pdf")
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if th == nil || api.starts != 3 {
		t.Fatalf("starts = %d, want 3", api.starts)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 2 * time.Second}
	if fmt.Sprint(rec.waits) != fmt.Sprint(want) {
		t.Errorf("waits = %v, want %v (two backoffs then settle)", rec.waits, want)
	}
}

func TestCreate_GivesUpAfterThreeAttempts(t *testing.T) {
	api := &fakeAPI{startErrs: []error{forbidden(), forbidden(), forbidden(), nil}}
	rec := &sleepRecorder{}
	c := newTestCreator(api, rec)

	th, err := c.Create(context.Background(), "chan", "doc.pdf")
	if th != nil {
		t.Fatal("expected nil thread")
	}
	var tce *domain.ThreadCreationError
	if !errors.As(err, &tce) || tce.Attempts != 3 {
		t.Fatalf("expected ThreadCreationError after 3 attempts, got %v", err)
	}
	if !errors.Is(err, domain.ErrForbidden) {
		t.Error("error should wrap ErrForbidden")
	}
	if api.starts != 3 {
		t.Errorf("starts = %d, never more than 3", api.starts)
	}
	if fmt.Sprint(rec.waits) != fmt.Sprint([]time.Duration{2 * time.Second, 4 * time.Second}) {
		t.Errorf("waits = %v", rec.waits)
	}
}

func TestCreate_RateLimitWaitsAndRetriesOnce(t *testing.T) {
	api := &fakeAPI{startErrs: []error{&domain.RateLimitError{RetryAfter: 5 * time.Second}, nil}}
	rec := &sleepRecorder{}
	c := newTestCreator(api, rec)

	th, err := c.Create(context.Background(), "chan", "doc.pdf")
	if err != nil || th == nil {
		t.Fatalf("expected thread after one rate-limit retry: %v", err)
	}
	if api.starts != 2 {
		t.Errorf("starts = %d, want 2", api.starts)
	}
	want := []time.Duration{5 * time.Second, 2 * time.Second}
	if fmt.Sprint(rec.waits) != fmt.Sprint(want) {
		t.Errorf("waits = %v, want %v (advertised wait then settle)", rec.waits, want)
	}
}

func TestCreate_RepeatedRateLimitGivesUp(t *testing.T) {
	rl := &domain.RateLimitError{RetryAfter: time.Second}
	api := &fakeAPI{startErrs: []error{rl, rl, nil}}
	c := newTestCreator(api, &sleepRecorder{})

	th, err := c.Create(context.Background(), "chan", "doc.pdf")
	if th != nil {
		t.Fatal("expected nil thread")
	}
	var got *domain.RateLimitError
	if !errors.As(err, &got) {
		t.Fatalf("expected wrapped RateLimitError, got %v", err)
	}
	if api.starts != 2 {
		t.Errorf("starts = %d, want 2", api.starts)
	}
}

func TestCreate_HistoryScanRateLimitRetried(t *testing.T) {
	api := &fakeAPI{
		scanLimited: 1,
		history:     []domain.ChannelMessage{{ID: "m2", ThreadCreated: true, RefChannelID: "t-1"}},
	}
	c := newTestCreator(api, &sleepRecorder{})

	if _, err := c.Create(context.Background(), "chan", "doc.pdf"); err != nil {
		t.Fatal(err)
	}
	if api.scans != 2 || len(api.deleted) != 1 {
		t.Errorf("scans=%d deleted=%v, want 2 scans and the notice removed", api.scans, api.deleted)
	}
}

func TestCreate_NonTransientErrorNotRetried(t *testing.T) {
	api := &fakeAPI{startErrs: []error{errors.New("500 internal")}}
	rec := &sleepRecorder{}
	c := newTestCreator(api, rec)

	th, err := c.Create(context.Background(), "chan", "doc.pdf")
	if th != nil || err == nil {
		t.Fatal("expected failure")
	}
	if api.starts != 1 || len(rec.waits) != 0 {
		t.Errorf("starts=%d waits=%v, want 1 and none", api.starts, rec.waits)
	}
}

func TestCreate_CancelledDuringBackoff(t *testing.T) {
	api := &fakeAPI{startErrs: []error{forbidden(), forbidden(), forbidden()}}
	c := NewCreator(Config{API: api, Logger: testLogger(), BaseDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Create(ctx, "chan", "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if api.starts != 1 {
		t.Errorf("starts = %d, want 1", api.starts)
	}
}

func TestCreate_TruncatesBeforeCalling(t *testing.T) {
	api := &fakeAPI{}
	c := newTestCreator(api, &sleepRecorder{})

	if _, err := c.Create(context.Background(), "chan", strings.Repeat("n", 140)); err != nil {
		t.Fatal(err)
	}
	if len(api.names[0]) != 100 {
		t.Errorf("platform received name of length %d", len(api.names[0]))
	}
}

// --- notification suppression ---

func TestCreate_DeletesSystemNotice(t *testing.T) {
	api := &fakeAPI{history: []domain.ChannelMessage{
		{ID: "m1", Content: "hello"},
		{ID: "m2", ThreadCreated: true, RefChannelID: "t-1"},
	}}
	c := newTestCreator(api, &sleepRecorder{})

	if _, err := c.Create(context.Background(), "chan", "doc.pdf"); err != nil {
		t.Fatal(err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "m2" {
		t.Errorf("deleted = %v, want [m2]", api.deleted)
	}
}

func TestCreate_IgnoresNoticeForOtherThread(t *testing.T) {
	api := &fakeAPI{history: []domain.ChannelMessage{
		{ID: "m1", ThreadCreated: true, RefChannelID: "someone-elses"},
	}}
	c := newTestCreator(api, &sleepRecorder{})

	if _, err := c.Create(context.Background(), "chan", "doc.pdf"); err != nil {
		t.Fatal(err)
	}
	if len(api.deleted) != 0 {
		t.Errorf("should not delete unrelated notice, deleted %v", api.deleted)
	}
}

func TestCreate_NoticeMissingIsNotAnError(t *testing.T) {
	api := &fakeAPI{historyErr: errors.New("missing access")}
	c := newTestCreator(api, &sleepRecorder{})

	th, err := c.Create(context.Background(), "chan", "doc.pdf")
	if err != nil || th == nil {
		t.Fatalf("scan failure must not fail creation: %v", err)
	}
}

func TestIsNotification_TextPattern(t *testing.T) {
	th := domain.Thread{ID: "t", Name: "Quarterly Report"}

	cases := []struct {
		msg  domain.ChannelMessage
		want bool
	}{
		{domain.ChannelMessage{AuthorIsBot: true, Content: "Bot started a thread: Quarterly Report"}, true},
		{domain.ChannelMessage{AuthorIsBot: true, Content: "Bot started a thread: Other"}, false},
		{domain.ChannelMessage{AuthorIsBot: false, Content: "I started a thread: Quarterly Report"}, false},
		{domain.ChannelMessage{ThreadCreated: true}, true},
	}
	for i, tc := range cases {
		if got := IsNotification(tc.msg, th); got != tc.want {
			t.Errorf("case %d: got %v, want %v", i, got, tc.want)
		}
	}
}

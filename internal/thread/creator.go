// Package thread creates discussion threads for workflow output and cleans
// up the system notice the platform posts when a thread starts.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mediabot/internal/bus"
	"mediabot/internal/domain"
)

const (
	MaxNameLength = 100
	continuation  = "..."

	defaultMaxAttempts = 3
	defaultBaseDelay   = 2 * time.Second
	defaultSettle      = 2 * time.Second
	defaultScanLimit   = 10

	startedPhrase = "started a thread"
)

// Creator creates threads with retry and notification suppression.
type Creator struct {
	api         domain.ThreadAPI
	events      *bus.EventBus
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	settle      time.Duration
	scanLimit   int
	sleep       func(ctx context.Context, d time.Duration) error
}

// Config configures a Creator. Zero values take the defaults
// (3 attempts, 2s base backoff, 2s settle delay, 10 scanned messages).
type Config struct {
	API         domain.ThreadAPI
	Events      *bus.EventBus // optional
	Logger      *slog.Logger
	MaxAttempts int
	BaseDelay   time.Duration
	Settle      time.Duration
	ScanLimit   int
	// Sleep replaces the context-aware wait, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewCreator(cfg Config) *Creator {
	c := &Creator{
		api:         cfg.API,
		events:      cfg.Events,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		settle:      cfg.Settle,
		scanLimit:   cfg.ScanLimit,
		sleep:       cfg.Sleep,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultBaseDelay
	}
	if c.settle < 0 {
		c.settle = 0
	} else if c.settle == 0 {
		c.settle = defaultSettle
	}
	if c.scanLimit <= 0 {
		c.scanLimit = defaultScanLimit
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// TruncateName limits name to max runes, replacing the tail with "..." when cut.
func TruncateName(name string, max int) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Untitled"
	}
	r := []rune(name)
	if len(r) <= max {
		return name
	}
	return string(r[:max-len(continuation)]) + continuation
}

// Create starts a public thread in parentID.
func (c *Creator) Create(ctx context.Context, parentID, name string) (*domain.Thread, error) {
	name = TruncateName(name, MaxNameLength)
	th, err := c.withRetry(ctx, name, func() (domain.Thread, error) {
		return c.api.StartThread(ctx, parentID, name)
	})
	if err != nil {
		return nil, err
	}
	if th.ParentID == "" {
		th.ParentID = parentID
	}
	c.suppressNotification(ctx, th)
	return th, nil
}

// CreateFromMessage starts a thread anchored on an existing message. The
// platform posts no separate notice for these, so nothing is suppressed.
func (c *Creator) CreateFromMessage(ctx context.Context, parentID, messageID, name string) (*domain.Thread, error) {
	name = TruncateName(name, MaxNameLength)
	return c.withRetry(ctx, name, func() (domain.Thread, error) {
		return c.api.StartThreadFromMessage(ctx, parentID, messageID, name)
	})
}

// Delete removes a thread created earlier, used to roll back failed workflows.
func (c *Creator) Delete(ctx context.Context, threadID string) error {
	return c.api.DeleteThread(ctx, threadID)
}

// withRetry retries permission failures, doubling the delay after each
// attempt. A rate limit gets one extra try per attempt after the advertised
// wait. Any other error ends the loop immediately.
func (c *Creator) withRetry(ctx context.Context, name string, start func() (domain.Thread, error)) (*domain.Thread, error) {
	delay := c.baseDelay
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var th domain.Thread
		err := c.retryOnRateLimit(ctx, "start thread", func() error {
			var err error
			th, err = start()
			return err
		})
		if err == nil {
			c.logger.Info("thread created", "thread_id", th.ID, "name", name, "attempt", attempt)
			c.emit(bus.EventThreadCreated, th)
			return &th, nil
		}
		lastErr = err

		if !errors.Is(err, domain.ErrForbidden) {
			c.logger.Error("thread creation failed", "name", name, "err", err)
			return nil, &domain.ThreadCreationError{Attempts: attempt, Err: err}
		}

		c.logger.Warn("thread creation denied",
			"name", name,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"err", err,
		)
		if attempt == c.maxAttempts {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &domain.ThreadCreationError{Attempts: attempt, Err: err}
		}
		delay *= 2
	}

	return nil, &domain.ThreadCreationError{Attempts: c.maxAttempts, Err: lastErr}
}

// suppressNotification removes the "X started a thread" system message from
// the parent channel. Failing to find or delete it is logged only.
func (c *Creator) suppressNotification(ctx context.Context, th *domain.Thread) {
	if err := c.sleep(ctx, c.settle); err != nil {
		return
	}

	var msgs []domain.ChannelMessage
	err := c.retryOnRateLimit(ctx, "scan history", func() error {
		var err error
		msgs, err = c.api.RecentMessages(ctx, th.ParentID, c.scanLimit)
		return err
	})
	if err != nil {
		c.logger.Warn("cannot scan channel for thread notice", "channel_id", th.ParentID, "err", err)
		return
	}

	for _, m := range msgs {
		if !IsNotification(m, *th) {
			continue
		}
		if err := c.retryOnRateLimit(ctx, "delete notice", func() error {
			return c.api.DeleteMessage(ctx, th.ParentID, m.ID)
		}); err != nil {
			c.logger.Warn("cannot delete thread notice", "message_id", m.ID, "err", err)
			return
		}
		c.logger.Debug("thread notice deleted", "thread_id", th.ID, "message_id", m.ID)
		c.emit(bus.EventNotifySuppressed, *th)
		return
	}

	c.logger.Warn("thread notice not found", "thread_id", th.ID, "scanned", len(msgs))
}

// retryOnRateLimit runs fn once more after the advertised wait when the
// platform reports a rate limit.
func (c *Creator) retryOnRateLimit(ctx context.Context, op string, fn func() error) error {
	err := fn()
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		return err
	}
	c.logger.Warn("rate limited, retrying once", "op", op, "retry_after", rl.RetryAfter)
	if err := c.sleep(ctx, rl.RetryAfter); err != nil {
		return err
	}
	return fn()
}

// IsNotification reports whether m announces the creation of th.
func IsNotification(m domain.ChannelMessage, th domain.Thread) bool {
	if m.ThreadCreated {
		return m.RefChannelID == "" || m.RefChannelID == th.ID
	}
	if !m.AuthorIsBot {
		return false
	}
	content := strings.ToLower(m.Content)
	return strings.Contains(content, startedPhrase) && strings.Contains(content, strings.ToLower(th.Name))
}

func (c *Creator) emit(eventType string, th domain.Thread) {
	if c.events == nil {
		return
	}
	c.events.Emit(bus.Event{
		Type:    eventType,
		Payload: map[string]any{"thread_id": th.ID, "parent_id": th.ParentID},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait %s: %w", d, ctx.Err())
	}
}

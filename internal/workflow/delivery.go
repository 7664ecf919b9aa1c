package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"mediabot/internal/bus"
	"mediabot/internal/domain"
)

const progressInterval = time.Second

// deliver sends the remaining artifacts in ordinal order, one at a time.
func (w *Workflow) deliver(ctx context.Context) error {
	pacer := rate.NewLimiter(rate.Inf, 1)
	if w.e.artifactDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(w.e.artifactDelay), 1)
	}

	arts := w.result.Artifacts
	total := len(arts)
	for i := w.target.Preloaded; i < total; i++ {
		if err := pacer.Wait(ctx); err != nil {
			return fmt.Errorf("pace delivery: %w", err)
		}
		if w.policy.ReportProgress && total > 1 {
			w.progress(fmt.Sprintf("📤 Uploading part %d of %d...", i+1, total))
		}
		if _, err := w.send(ctx, w.target.ChannelID, arts[i]); err != nil {
			return fmt.Errorf("deliver artifact %d of %d: %w", i+1, total, err)
		}
		w.delivered++
	}

	if w.result.Trailer != "" {
		if err := pacer.Wait(ctx); err != nil {
			return fmt.Errorf("pace delivery: %w", err)
		}
		if _, err := w.sendOutgoing(ctx, w.target.ChannelID, domain.Outgoing{Content: w.result.Trailer}); err != nil {
			w.logger.Warn("cannot send trailer", "err", err)
		}
	}
	return nil
}

func (w *Workflow) send(ctx context.Context, channelID string, a domain.Artifact) (string, error) {
	id, err := w.sendOutgoing(ctx, channelID, a.ToOutgoing())
	if err == nil {
		w.e.emit(bus.Event{
			Type:       bus.EventArtifactDelivered,
			WorkflowID: w.id,
			Kind:       w.item.Kind,
			Payload:    map[string]any{"ordinal": a.Ordinal},
		})
	}
	return id, err
}

func (w *Workflow) sendOutgoing(ctx context.Context, channelID string, out domain.Outgoing) (string, error) {
	var id string
	err := w.retryOnRateLimit(ctx, "send", func() error {
		var err error
		id, err = w.e.messenger.Send(ctx, channelID, out)
		return err
	})
	return id, err
}

func (w *Workflow) edit(ctx context.Context, messageID string, out domain.Outgoing) error {
	return w.retryOnRateLimit(ctx, "edit", func() error {
		return w.e.messenger.Edit(ctx, w.item.Source.ChannelID, messageID, out)
	})
}

func (w *Workflow) deleteMessage(ctx context.Context, messageID string) error {
	return w.retryOnRateLimit(ctx, "delete", func() error {
		return w.e.messenger.Delete(ctx, w.item.Source.ChannelID, messageID)
	})
}

// retryOnRateLimit runs fn and, when the platform reports a rate limit,
// waits the advertised interval and runs it exactly once more.
func (w *Workflow) retryOnRateLimit(ctx context.Context, op string, fn func() error) error {
	err := fn()
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		return err
	}

	w.logger.Warn("rate limited, retrying once", "op", op, "retry_after", rl.RetryAfter)
	w.e.emit(bus.Event{Type: bus.EventRateLimited, WorkflowID: w.id, Kind: w.item.Kind})
	if err := w.e.sleep(ctx, rl.RetryAfter); err != nil {
		return err
	}
	return fn()
}

// progress mirrors converter and upload progress into the status message,
// at most once per second. Rate-limited lines are dropped.
func (w *Workflow) progress(line string) {
	if !w.policy.ReportProgress || w.statusID == "" {
		return
	}
	now := time.Now()
	if now.Sub(w.lastProgress) < progressInterval {
		return
	}
	w.lastProgress = now

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.e.messenger.Edit(ctx, w.item.Source.ChannelID, w.statusID, domain.Outgoing{Content: line}); err != nil {
		w.logger.Debug("progress update failed", "err", err)
	}
}

// setStatus edits the status message and removes any controls. Errors are
// logged; the status message is cosmetic until the final state.
func (w *Workflow) setStatus(ctx context.Context, content string) {
	if w.statusID == "" {
		return
	}
	if err := w.edit(ctx, w.statusID, domain.Outgoing{Content: content}); err != nil {
		w.logger.Debug("status update failed", "err", err)
	}
}

// finalStatus edits the status message to its final text. If the message is
// gone, the text is posted as a new message instead.
func (w *Workflow) finalStatus(ctx context.Context, content string) {
	channelID := w.item.Source.ChannelID
	err := w.edit(ctx, w.statusID, domain.Outgoing{Content: content})
	if err == nil {
		return
	}
	if !errors.Is(err, domain.ErrNotFound) {
		w.logger.Warn("cannot edit status message", "err", err)
		return
	}
	w.logger.Info("status message gone, re-sending", "status_id", w.statusID)
	id, err := w.sendOutgoing(ctx, channelID, domain.Outgoing{Content: content})
	if err != nil {
		w.logger.Warn("cannot re-send status", "err", err)
		return
	}
	w.statusID = id
}

func (w *Workflow) deleteStatus(ctx context.Context) {
	if w.statusID == "" {
		return
	}
	err := w.deleteMessage(ctx, w.statusID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		w.logger.Warn("cannot delete status message", "err", err)
	}
}

// deleteSource removes the user's original message. Missing permission is
// expected in some channels and only logged.
func (w *Workflow) deleteSource(ctx context.Context) {
	err := w.deleteMessage(ctx, w.item.Source.MessageID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrForbidden):
		w.logger.Warn("no permission to delete source message")
	case errors.Is(err, domain.ErrNotFound):
		w.logger.Debug("source message already deleted")
	default:
		w.logger.Warn("cannot delete source message", "err", err)
	}
}

// Package dispatch turns inbound messages into content workflows.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mediabot/internal/domain"
)

// Runner executes one workflow to completion.
type Runner interface {
	Run(ctx context.Context, item domain.ContentItem) error
	Supports(kind domain.ContentKind) bool
}

// Limits are upload ceilings in bytes. Zero disables a check.
type Limits struct {
	PDF   int64
	DOCX  int64
	Video int64
}

type Config struct {
	Runner            Runner
	Bus               domain.MessageBus
	Platform          string                   // channel name for outbound notices
	Permissions       domain.PermissionChecker // optional
	Ledger            domain.WorkflowLedger    // optional; enables duplicate video detection
	DedupWindow       time.Duration
	Limits            Limits
	ReferralChannelID string
	CommandPrefix     string
	Logger            *slog.Logger
	Now               func() time.Time
}

// Dispatcher reads the bus serially and starts at most one workflow per
// message, each in its own goroutine.
type Dispatcher struct {
	runner      Runner
	bus         domain.MessageBus
	platform    string
	perms       domain.PermissionChecker
	ledger      domain.WorkflowLedger
	dedupWindow time.Duration
	limits      Limits
	prefix      string
	detector    Detector
	logger      *slog.Logger
	now         func() time.Time

	inflight InFlight
	warned   sync.Map // channel ID + missing permissions already logged
	wg       sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		runner:      cfg.Runner,
		bus:         cfg.Bus,
		platform:    cfg.Platform,
		perms:       cfg.Permissions,
		ledger:      cfg.Ledger,
		dedupWindow: cfg.DedupWindow,
		limits:      cfg.Limits,
		prefix:      cfg.CommandPrefix,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.prefix == "" {
		d.prefix = "!"
	}
	d.detector = Detector{
		ReferralChannelID: cfg.ReferralChannelID,
		Enabled:           cfg.Runner.Supports,
	}
	return d
}

// Run consumes the bus until ctx ends or the bus closes, then waits for
// running workflows to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started")
	defer d.wg.Wait()

	inbound := d.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping", "in_flight", d.inflight.Len())
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return
			}
			d.Handle(ctx, msg)
		}
	}
}

// Handle routes one message. It reports whether a workflow was started.
func (d *Dispatcher) Handle(ctx context.Context, msg domain.InboundMessage) bool {
	if msg.AuthorIsBot {
		return false
	}
	if d.isHelp(msg.Content) {
		d.bus.SendOutbound(domain.OutboundMessage{
			Channel:   d.platform,
			ChannelID: msg.ChannelID,
			Embed:     HelpEmbed(d.prefix),
		})
		return false
	}

	item, ok := d.detector.Detect(msg)
	if !ok {
		return false
	}
	logger := d.logger.With("message_id", msg.ID, "channel_id", msg.ChannelID, "kind", string(item.Kind))

	if !d.inflight.Add(msg.ID) {
		logger.Debug("message already in flight")
		return false
	}

	if notice := d.precheck(ctx, item); notice != "" {
		d.inflight.Remove(msg.ID)
		logger.Info("content rejected", "notice", notice)
		d.notify(msg, notice)
		return false
	}

	logger.Info("content detected", "name", item.Name, "size", item.Size)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inflight.Remove(msg.ID)
		if err := d.runner.Run(ctx, item); err != nil {
			logger.Debug("workflow ended with error", "err", err)
		}
	}()
	return true
}

// Wait blocks until every started workflow has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// InFlight returns the number of running workflows.
func (d *Dispatcher) InFlight() int { return d.inflight.Len() }

func (d *Dispatcher) isHelp(content string) bool {
	return strings.EqualFold(strings.TrimSpace(content), d.prefix+"help")
}

// precheck returns a user notice when item must not be processed.
func (d *Dispatcher) precheck(ctx context.Context, item domain.ContentItem) string {
	if notice := d.checkSize(item); notice != "" {
		return notice
	}
	if notice := d.checkPermissions(ctx, item); notice != "" {
		return notice
	}
	if item.Kind == domain.KindVideo && len(item.Attachments) > 0 && d.ledger != nil && d.dedupWindow > 0 {
		seen, err := d.ledger.SeenSince(ctx, item.SourceKey(), d.now().Add(-d.dedupWindow))
		if err != nil {
			d.logger.Warn("duplicate check failed", "err", err)
		} else if seen {
			return "This video has already been processed recently."
		}
	}
	return ""
}

func (d *Dispatcher) checkSize(item domain.ContentItem) string {
	switch item.Kind {
	case domain.KindPDF:
		if d.limits.PDF > 0 && item.Size > d.limits.PDF {
			return fmt.Sprintf("⚠️ PDF too large: %s (max %dMB)", item.Name, d.limits.PDF/1024/1024)
		}
	case domain.KindDOCX:
		if d.limits.DOCX > 0 && item.Size > d.limits.DOCX {
			return fmt.Sprintf("⚠️ DOCX too large: %s (max %dMB)", item.Name, d.limits.DOCX/1024/1024)
		}
	case domain.KindVideo:
		if d.limits.Video > 0 && item.Size > d.limits.Video {
			return fmt.Sprintf("⚠️ Video is too large (%.1fMB). Maximum size is %dMB.", item.SizeMB(), d.limits.Video/1024/1024)
		}
	}
	return ""
}

// Workflows run without these but lose threads, status cleanup or
// notification suppression.
const degradablePermissions = domain.PermCreatePublicThreads | domain.PermManageThreads |
	domain.PermManageMessages | domain.PermReadHistory

func requiredPermissions(kind domain.ContentKind) domain.Permission {
	if kind.IsLink() {
		return domain.PermSendMessages | domain.PermEmbedLinks
	}
	return domain.PermSendMessages | domain.PermAttachFiles
}

func (d *Dispatcher) checkPermissions(ctx context.Context, item domain.ContentItem) string {
	if d.perms == nil {
		return ""
	}
	have, err := d.perms.Permissions(ctx, item.Source.ChannelID)
	if err != nil {
		// Let the workflow surface a real failure instead.
		d.logger.Warn("permission check failed", "channel_id", item.Source.ChannelID, "err", err)
		return ""
	}
	missing := have.Missing(requiredPermissions(item.Kind))
	if len(missing) == 0 {
		d.warnDegraded(item.Source.ChannelID, have.Missing(degradablePermissions))
		return ""
	}
	return fmt.Sprintf("⚠️ Bot lacks required permissions: %s. Please ensure the bot has these permissions in this channel.",
		strings.Join(missing, ", "))
}

// warnDegraded logs missing optional permissions once per channel and set.
func (d *Dispatcher) warnDegraded(channelID string, missing []string) {
	if len(missing) == 0 {
		return
	}
	joined := strings.Join(missing, ", ")
	if _, seen := d.warned.LoadOrStore(channelID+"|"+joined, struct{}{}); seen {
		return
	}
	d.logger.Warn("bot lacks optional permissions, workflows will degrade",
		"channel_id", channelID,
		"missing", joined,
	)
}

func (d *Dispatcher) notify(msg domain.InboundMessage, content string) {
	d.bus.SendOutbound(domain.OutboundMessage{
		Channel:   d.platform,
		ChannelID: msg.ChannelID,
		ReplyTo:   msg.ID,
		Content:   content,
	})
}

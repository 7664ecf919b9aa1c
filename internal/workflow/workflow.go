package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"mediabot/internal/bus"
	"mediabot/internal/domain"
)

// State is a step of the workflow state machine.
type State string

const (
	StatePrompting       State = "prompting"
	StateConverting      State = "converting"
	StateResolvingTarget State = "resolving_target"
	StateDelivering      State = "delivering"
	StateFinalizing      State = "finalizing"
	StateDone            State = "done"
	StateFailed          State = "failed"
	StateWithdrawn       State = "withdrawn"
)

const cleanupTimeout = 30 * time.Second

var errWithdrawn = errors.New("prompt withdrawn")

// Target is where artifacts go. It is fixed once resolved.
type Target struct {
	ChannelID string
	Thread    *domain.Thread // nil when posting in the source channel
	Fallback  bool           // a thread was requested but could not be created
	Preloaded int            // leading artifacts already visible in the target
}

// Workflow is one run of the state machine for a single ContentItem.
type Workflow struct {
	id     string
	item   domain.ContentItem
	e      *Engine
	policy Policy
	logger *slog.Logger

	state        State
	statusID     string
	choice       domain.Choice
	result       *domain.Result
	target       Target
	thread       *domain.Thread // created by this run
	anchorID     string         // first artifact posted in the parent channel
	delivered    int
	lastProgress time.Time
	reported     bool // the status message already explains the failure
}

func (w *Workflow) run(ctx context.Context) error {
	started := time.Now()
	w.begin(ctx)

	err := w.execute(ctx)
	switch {
	case errors.Is(err, errWithdrawn):
		w.state = StateWithdrawn
		err = nil
	case err != nil:
		w.fail(ctx, err)
	default:
		w.state = StateDone
	}

	w.finish(ctx, err, time.Since(started))
	return err
}

func (w *Workflow) execute(ctx context.Context) error {
	w.state = StatePrompting
	if err := w.describe(ctx); err != nil {
		return err
	}
	choice, err := w.prompt(ctx)
	if err != nil {
		return err
	}
	w.choice = choice
	w.logger.Info("choice received", "choice", choice.String())

	w.state = StateConverting
	if w.result, err = w.convert(ctx); err != nil {
		return err
	}

	w.state = StateResolvingTarget
	if err := w.resolveTarget(ctx); err != nil {
		return err
	}

	w.state = StateDelivering
	if err := w.deliver(ctx); err != nil {
		return err
	}

	w.state = StateFinalizing
	w.finalize(ctx)
	return nil
}

// describe lets the converter fill in details shown in the prompt. On failure
// the status message carries the lookup error and is left as is.
func (w *Workflow) describe(ctx context.Context) error {
	d, ok := w.e.converters[w.item.Kind].(domain.Describer)
	if !ok {
		return nil
	}
	item, err := d.Describe(ctx, w.item)
	if err != nil {
		w.reported = true
		if id, serr := w.sendOutgoing(ctx, w.item.Source.ChannelID, domain.Outgoing{
			Content: fmt.Sprintf("Couldn't get information about this %s.", w.item.Kind.Label()),
		}); serr == nil {
			w.statusID = id
		}
		return &domain.ConversionError{Kind: w.item.Kind, Err: err}
	}
	w.item = item
	return nil
}

// prompt posts the status message with the choice controls and waits.
func (w *Workflow) prompt(ctx context.Context) (domain.Choice, error) {
	p := w.e.prompts.Register(w.id, w.policy.PromptTimeout)
	defer w.e.prompts.Remove(p.ID)

	id, err := w.sendOutgoing(ctx, w.item.Source.ChannelID, domain.Outgoing{
		Content:  promptText(w.item),
		PromptID: p.ID,
		ReplyTo:  w.item.Source.MessageID,
	})
	if err != nil {
		return domain.ChoiceNone, fmt.Errorf("send prompt: %w", err)
	}
	w.statusID = id

	choice, err := p.Wait(ctx)
	if errors.Is(err, domain.ErrPromptTimeout) {
		w.logger.Info("prompt expired, withdrawing", "timeout", w.policy.PromptTimeout)
		w.deleteStatus(ctx)
		return domain.ChoiceNone, errWithdrawn
	}
	return choice, err
}

func (w *Workflow) convert(ctx context.Context) (*domain.Result, error) {
	w.setStatus(ctx, convertingText(w.item))

	conv, ok := w.e.converters[w.item.Kind]
	if !ok {
		return nil, &domain.ConversionError{Kind: w.item.Kind, Err: errors.New("no converter registered")}
	}

	release, err := w.e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	cctx := ctx
	if w.policy.ConvertTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, w.policy.ConvertTimeout)
		defer cancel()
	}

	started := time.Now()
	res, err := conv.Convert(cctx, w.item, w.progress)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &domain.TimeoutError{Kind: w.item.Kind, Limit: w.policy.ConvertTimeout}
		}
		var ce *domain.ConversionError
		if errors.As(err, &ce) || errors.Is(err, domain.ErrForbidden) {
			return nil, err
		}
		return nil, &domain.ConversionError{Kind: w.item.Kind, Err: err}
	}
	if res == nil || len(res.Artifacts) == 0 {
		return nil, &domain.ConversionError{Kind: w.item.Kind, Err: domain.ErrEmptyResult}
	}

	for i := range res.Artifacts {
		if res.Artifacts[i].Ordinal == 0 {
			res.Artifacts[i].Ordinal = i + 1
		}
	}
	sort.SliceStable(res.Artifacts, func(i, j int) bool {
		return res.Artifacts[i].Ordinal < res.Artifacts[j].Ordinal
	})

	elapsed := time.Since(started)
	w.logger.Info("conversion complete", "artifacts", len(res.Artifacts), "elapsed", elapsed)
	w.e.emit(bus.Event{Type: bus.EventConversionDone, WorkflowID: w.id, Kind: w.item.Kind, Duration: elapsed})
	return res, nil
}

func (w *Workflow) resolveTarget(ctx context.Context) error {
	channelID := w.item.Source.ChannelID
	w.target = Target{ChannelID: channelID}
	if w.choice != domain.ChoiceThread {
		return nil
	}

	name := w.result.ThreadName
	if name == "" {
		name = w.item.ThreadName()
	}

	var (
		th  *domain.Thread
		err error
	)
	if w.policy.AnchorFirstArtifact {
		anchorID, serr := w.send(ctx, channelID, w.result.Artifacts[0])
		if serr != nil {
			return fmt.Errorf("post anchor artifact: %w", serr)
		}
		w.anchorID = anchorID
		w.delivered++
		w.target.Preloaded = 1
		th, err = w.e.threads.CreateFromMessage(ctx, channelID, anchorID, name)
	} else {
		th, err = w.e.threads.Create(ctx, channelID, name)
	}

	if err != nil || th == nil {
		w.logger.Warn("thread unavailable, posting in channel", "err", err)
		w.target.Fallback = true
		w.e.emit(bus.Event{Type: bus.EventThreadFallback, WorkflowID: w.id, Kind: w.item.Kind})
		w.setStatus(ctx, threadFallbackText)
		return nil
	}

	w.thread = th
	w.target.ChannelID = th.ID
	w.target.Thread = th
	w.setStatus(ctx, fmt.Sprintf("📤 Uploading to %s...", th.Mention()))
	return nil
}

func (w *Workflow) finalize(ctx context.Context) {
	_ = w.e.sleep(ctx, w.e.settleDelay)

	switch {
	case w.target.Thread != nil:
		w.finalStatus(ctx, "✅ Posted in "+w.target.Thread.Mention())
	case w.target.Fallback:
		w.finalStatus(ctx, threadFallbackText)
	case w.result.Notice != "":
		w.finalStatus(ctx, w.result.Notice)
	default:
		w.deleteStatus(ctx)
	}

	w.deleteSource(ctx)
}

// fail rolls back the run and reports err on the status message. It runs on
// a detached context so shutdown does not skip the cleanup.
func (w *Workflow) fail(ctx context.Context, err error) {
	failedIn := w.state
	w.state = StateFailed
	w.logger.Error("workflow failed", "state", string(failedIn), "delivered", w.delivered, "err", err)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if w.thread != nil {
		if derr := w.e.threads.Delete(cctx, w.thread.ID); derr != nil {
			w.logger.Warn("cannot delete thread after failure", "thread_id", w.thread.ID, "err", derr)
		} else {
			w.logger.Info("deleted thread after failure", "thread_id", w.thread.ID)
		}
		// The anchor belongs to the thread and goes with it.
		if w.anchorID != "" {
			if derr := w.deleteMessage(cctx, w.anchorID); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
				w.logger.Warn("cannot delete anchor artifact", "message_id", w.anchorID, "err", derr)
			}
		}
	}

	if w.statusID == "" || w.reported {
		return
	}
	w.finalStatus(cctx, failureText(w.item.Kind, err, w.e.errorLimit))
}

func (w *Workflow) begin(ctx context.Context) {
	w.e.emit(bus.Event{Type: bus.EventWorkflowStarted, WorkflowID: w.id, Kind: w.item.Kind})
	if w.e.ledger == nil {
		return
	}
	if err := w.e.ledger.Begin(ctx, w.record(domain.StatusInProgress, nil)); err != nil {
		w.logger.Warn("ledger begin failed", "err", err)
	}
}

func (w *Workflow) finish(ctx context.Context, err error, elapsed time.Duration) {
	status := domain.StatusCompleted
	eventType := bus.EventWorkflowCompleted
	switch w.state {
	case StateFailed:
		status, eventType = domain.StatusFailed, bus.EventWorkflowFailed
	case StateWithdrawn:
		status, eventType = domain.StatusWithdrawn, bus.EventWorkflowWithdrawn
	}

	w.logger.Info("workflow finished", "state", string(w.state), "delivered", w.delivered, "elapsed", elapsed)
	w.e.emit(bus.Event{Type: eventType, WorkflowID: w.id, Kind: w.item.Kind, Duration: elapsed})

	if w.e.ledger == nil {
		return
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if lerr := w.e.ledger.Finish(lctx, w.record(status, err)); lerr != nil {
		w.logger.Warn("ledger finish failed", "err", lerr)
	}
}

func (w *Workflow) record(status domain.WorkflowStatus, err error) domain.WorkflowRecord {
	rec := domain.WorkflowRecord{
		ID:        w.id,
		Kind:      w.item.Kind,
		MessageID: w.item.Source.MessageID,
		ChannelID: w.item.Source.ChannelID,
		SourceKey: w.item.SourceKey(),
		Status:    status,
		Artifacts: w.delivered,
	}
	if w.choice != domain.ChoiceNone {
		rec.Choice = w.choice.String()
	}
	if w.thread != nil && status != domain.StatusFailed {
		rec.ThreadID = w.thread.ID
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

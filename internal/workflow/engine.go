// Package workflow runs the confirm-then-process flow for one detected
// content item: prompt, convert, pick a target, deliver and clean up.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mediabot/internal/bus"
	"mediabot/internal/domain"
)

// ThreadCreator is the subset of thread.Creator the workflow uses.
type ThreadCreator interface {
	Create(ctx context.Context, parentID, name string) (*domain.Thread, error)
	CreateFromMessage(ctx context.Context, parentID, messageID, name string) (*domain.Thread, error)
	Delete(ctx context.Context, threadID string) error
}

// Policy holds the per-kind knobs of a workflow.
type Policy struct {
	PromptTimeout       time.Duration // 0 = no timeout
	ConvertTimeout      time.Duration // 0 = unbounded
	AnchorFirstArtifact bool
	ReportProgress      bool
}

// Config wires an Engine.
type Config struct {
	Messenger  domain.Messenger
	Threads    ThreadCreator
	Converters map[domain.ContentKind]domain.Converter
	Policies   map[domain.ContentKind]Policy
	Prompts    *Prompts
	Ledger     domain.WorkflowLedger // optional
	Events     *bus.EventBus         // optional
	Logger     *slog.Logger

	ArtifactDelay time.Duration
	SettleDelay   time.Duration
	ErrorLimit    int

	// MaxConcurrent bounds how many workflows convert at once. Prompts
	// waiting for a choice do not hold a slot. 0 = unbounded.
	MaxConcurrent int

	// Sleep and NewID are replaceable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// Engine holds the collaborators shared by all workflows.
type Engine struct {
	messenger     domain.Messenger
	threads       ThreadCreator
	converters    map[domain.ContentKind]domain.Converter
	policies      map[domain.ContentKind]Policy
	prompts       *Prompts
	ledger        domain.WorkflowLedger
	events        *bus.EventBus
	logger        *slog.Logger
	artifactDelay time.Duration
	settleDelay   time.Duration
	errorLimit    int
	slots         chan struct{}
	sleep         func(ctx context.Context, d time.Duration) error
	newID         func() string
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		messenger:     cfg.Messenger,
		threads:       cfg.Threads,
		converters:    cfg.Converters,
		policies:      cfg.Policies,
		prompts:       cfg.Prompts,
		ledger:        cfg.Ledger,
		events:        cfg.Events,
		logger:        cfg.Logger,
		artifactDelay: cfg.ArtifactDelay,
		settleDelay:   cfg.SettleDelay,
		errorLimit:    cfg.ErrorLimit,
		sleep:         cfg.Sleep,
		newID:         cfg.NewID,
	}
	if e.prompts == nil {
		e.prompts = NewPrompts()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.errorLimit <= 0 {
		e.errorLimit = 500
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if cfg.MaxConcurrent > 0 {
		e.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return e
}

// Prompts exposes the registry so the platform adapter can route clicks.
func (e *Engine) Prompts() *Prompts { return e.prompts }

// Supports reports whether a converter is registered for kind.
func (e *Engine) Supports(kind domain.ContentKind) bool {
	_, ok := e.converters[kind]
	return ok
}

// Run executes one workflow to completion. It returns the failure cause, or
// nil when the workflow finished or was withdrawn.
func (e *Engine) Run(ctx context.Context, item domain.ContentItem) error {
	w := &Workflow{
		id:     e.newID(),
		item:   item,
		e:      e,
		policy: e.policies[item.Kind],
	}
	w.logger = e.logger.With("workflow_id", w.id, "kind", string(item.Kind), "message_id", item.Source.MessageID)
	return w.run(ctx)
}

// acquire takes a conversion slot. The returned func releases it.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.slots == nil {
		return func() {}, nil
	}
	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) emit(ev bus.Event) {
	if e.events != nil {
		e.events.Emit(ev)
	}
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
		return ctx.Err()
	}
}

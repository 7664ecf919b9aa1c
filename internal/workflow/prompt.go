package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mediabot/internal/domain"
)

// Prompt is the state behind a two-button choice. Only the first activation
// is honored; later ones, and any that arrive after the timeout, are no-ops.
type Prompt struct {
	ID      string
	timeout time.Duration
	closed  atomic.Bool
	choice  chan domain.Choice
}

func newPrompt(id string, timeout time.Duration) *Prompt {
	return &Prompt{
		ID:      id,
		timeout: timeout,
		choice:  make(chan domain.Choice, 1),
	}
}

// Activate records c and reports whether it was accepted.
func (p *Prompt) Activate(c domain.Choice) bool {
	if c == domain.ChoiceNone {
		return false
	}
	if !p.closed.CompareAndSwap(false, true) {
		return false
	}
	p.choice <- c
	return true
}

// Activated reports whether the prompt stopped accepting input.
func (p *Prompt) Activated() bool { return p.closed.Load() }

// Wait blocks until the prompt is activated, the timeout passes or ctx ends.
// A zero timeout waits indefinitely.
func (p *Prompt) Wait(ctx context.Context) (domain.Choice, error) {
	var expired <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case c := <-p.choice:
		return c, nil
	case <-expired:
		return p.expire()
	case <-ctx.Done():
		p.closed.Store(true)
		return domain.ChoiceNone, ctx.Err()
	}
}

// expire closes the prompt on timeout. An activation that closed it first
// wins the race against the timer and its choice is returned.
func (p *Prompt) expire() (domain.Choice, error) {
	if p.closed.CompareAndSwap(false, true) {
		return domain.ChoiceNone, domain.ErrPromptTimeout
	}
	return <-p.choice, nil
}

// Prompts is the registry of pending prompts. It implements
// domain.ChoiceActivator for the platform adapter.
type Prompts struct {
	pending sync.Map // id -> *Prompt
	count   atomic.Int64
}

func NewPrompts() *Prompts { return &Prompts{} }

// Register creates and tracks a prompt.
func (r *Prompts) Register(id string, timeout time.Duration) *Prompt {
	p := newPrompt(id, timeout)
	r.pending.Store(id, p)
	r.count.Add(1)
	return p
}

// Remove forgets a prompt. Activations for it are ignored afterwards.
func (r *Prompts) Remove(id string) {
	if _, ok := r.pending.LoadAndDelete(id); ok {
		r.count.Add(-1)
	}
}

func (r *Prompts) Activate(promptID string, choice domain.Choice) bool {
	v, ok := r.pending.Load(promptID)
	if !ok {
		return false
	}
	return v.(*Prompt).Activate(choice)
}

// Pending returns the number of registered prompts.
func (r *Prompts) Pending() int { return int(r.count.Load()) }

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions and descriptors such as "@daily".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Pruneable deletes records last updated before a cutoff.
type Pruneable interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type PrunerConfig struct {
	Store     Pruneable
	Schedule  string
	Retention time.Duration
	Logger    *slog.Logger
}

// Pruner removes ledger records older than the retention window on a cron
// schedule.
type Pruner struct {
	store     Pruneable
	schedule  cron.Schedule
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewPruner(cfg PrunerConfig) (*Pruner, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse prune schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", cfg.Retention)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pruner{
		store:     cfg.Store,
		schedule:  sched,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		now:       time.Now,
	}, nil
}

// Next returns the next fire time after t.
func (p *Pruner) Next(t time.Time) time.Time {
	return p.schedule.Next(t)
}

// PruneOnce deletes everything older than the retention window.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	p.logger.Info("ledger pruned", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// Run prunes on schedule until ctx is done.
func (p *Pruner) Run(ctx context.Context) {
	for {
		wait := time.Until(p.Next(p.now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := p.PruneOnce(ctx); err != nil {
			p.logger.Error("ledger prune failed", "err", err)
		}
	}
}

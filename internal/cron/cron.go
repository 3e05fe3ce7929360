// Package cron fires workflows on schedule. Triggers live in the database;
// each due trigger is advanced with a compare-and-swap on its next execution
// time, so concurrent processors fire every occurrence at most once.
package cron

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/netresearch/go-cron"

	"github.com/millrace/mill/internal/authctx"
	"github.com/millrace/mill/internal/db"
	"github.com/millrace/mill/internal/errors"
	"github.com/millrace/mill/internal/events"
)

// ValidatePattern checks a five-field cron pattern.
func ValidatePattern(pattern string) error {
	if _, err := cronlib.ParseStandard(pattern); err != nil {
		return errors.InputInvalid("invalid cron pattern %q: %v", pattern, err)
	}
	return nil
}

// NextAfter computes the first occurrence of a pattern after the given time.
func NextAfter(pattern string, after time.Time) (time.Time, error) {
	sched, err := cronlib.ParseStandard(pattern)
	if err != nil {
		return time.Time{}, errors.InputInvalid("invalid cron pattern %q: %v", pattern, err)
	}
	return sched.Next(after), nil
}

// Starter launches workflows for due triggers. The engine satisfies it.
type Starter interface {
	StartWorkflow(ctx context.Context, wfName string, input map[string]any, description string, params map[string]any) (*db.WorkflowExecution, error)
}

// Processor periodically fires due cron triggers.
type Processor struct {
	store   *db.Store
	starter Starter
	pub     events.Publisher
	log     *slog.Logger

	interval  time.Duration
	lookahead time.Duration
	batch     int
}

// Option configures a Processor.
type Option func(*Processor)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(p *Processor) { p.interval = d }
}

// WithLookahead widens the due-trigger window so occurrences landing just
// after a poll are not delayed by a full interval.
func WithLookahead(d time.Duration) Option {
	return func(p *Processor) { p.lookahead = d }
}

// WithBatchSize caps the triggers picked up per poll.
func WithBatchSize(n int) Option {
	return func(p *Processor) { p.batch = n }
}

// WithPublisher sets the event publisher.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Processor) { p.pub = pub }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// New creates a processor over the given store and starter.
func New(store *db.Store, starter Starter, opts ...Option) *Processor {
	p := &Processor{
		store:     store,
		starter:   starter,
		pub:       events.NewNopPublisher(),
		log:       slog.Default(),
		interval:  time.Second,
		lookahead: 2 * time.Second,
		batch:     50,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.log.Error("cron sweep failed", "error", err)
			}
		}
	}
}

// RunOnce fires the currently due triggers and returns how many started a
// workflow. Exported so embedders and tests can drive polls explicitly.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	now := time.Now()

	triggers, err := p.store.GetExpiredCronTriggers(ctx, now.Add(p.lookahead), p.batch)
	if err != nil {
		return 0, err
	}

	fired := 0

	for _, trig := range triggers {
		won, err := p.advance(ctx, trig, now)
		if err != nil {
			p.log.Error("cron trigger advance failed",
				"trigger", trig.Name, "error", err)
			continue
		}
		if !won {
			// Another processor observed the same occurrence first.
			continue
		}

		p.fire(ctx, trig)
		fired++
	}

	return fired, nil
}

// advance claims the trigger's current occurrence: either schedule the next
// one or, when the last allowed execution fires, delete the trigger. The CAS
// on the observed next execution time decides the winner.
func (p *Processor) advance(ctx context.Context, trig *db.CronTrigger, now time.Time) (bool, error) {
	observed := trig.NextExecutionTime

	if trig.RemainingExecutions != nil && *trig.RemainingExecutions <= 1 {
		return p.store.DeleteExhaustedCronTrigger(ctx, trig.ID, observed)
	}

	// When the lookahead picked up an occurrence still in the future, the
	// next one is computed from that occurrence, never from the wall clock,
	// so the same occurrence cannot fire twice.
	base := now
	if observed.After(base) {
		base = observed
	}
	next, err := NextAfter(trig.Pattern, base)
	if err != nil {
		return false, err
	}

	var remaining *int
	if trig.RemainingExecutions != nil {
		r := *trig.RemainingExecutions - 1
		remaining = &r
	}

	return p.store.AdvanceCronTrigger(ctx, trig.ID, observed, next, remaining)
}

// fire starts the trigger's workflow under the trust identity the trigger
// was created with.
func (p *Processor) fire(ctx context.Context, trig *db.CronTrigger) {
	cctx := authctx.Trusted(ctx, trig.TrustID, trig.ProjectID)

	wfEx, err := p.starter.StartWorkflow(cctx, trig.WorkflowName,
		trig.WorkflowInput, "cron trigger '"+trig.Name+"'", trig.WorkflowParams)
	if err != nil {
		p.log.Error("cron trigger workflow start failed",
			"trigger", trig.Name,
			"workflow", trig.WorkflowName,
			"error", err)
		return
	}

	p.log.Info("cron trigger fired",
		"trigger", trig.Name,
		"workflow", trig.WorkflowName,
		"execution_id", wfEx.ID)

	p.pub.Publish(events.Event{
		Type:        events.EventCronFired,
		ExecutionID: wfEx.ID,
		Data: events.CronFired{
			TriggerID:    trig.ID,
			TriggerName:  trig.Name,
			WorkflowName: trig.WorkflowName,
		},
	})
}

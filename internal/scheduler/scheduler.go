// Package scheduler sweeps due delayed calls and hands them to the engine.
//
// Calls are claimed with a compare-and-swap on the processing flag, so any
// number of scheduler instances may share one database: each due call is
// dispatched at most once. Calls claimed by an instance that died are
// reclaimed by the stale reaper after a grace period.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/millrace/mill/internal/authctx"
	"github.com/millrace/mill/internal/db"
)

// Dispatcher executes one claimed delayed call.
type Dispatcher interface {
	DispatchDelayedCall(ctx context.Context, call *db.DelayedCall) error
}

// Scheduler periodically sweeps the delayed calls table.
type Scheduler struct {
	store *db.Store
	disp  Dispatcher
	log   *slog.Logger

	interval   time.Duration
	batch      int
	staleAfter time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithBatchSize caps the calls picked up per sweep.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batch = n }
}

// WithStaleAfter sets how long a claimed call may sit unfinished before the
// reaper returns it to the pool.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Scheduler) { s.staleAfter = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// New creates a scheduler over the given store and dispatcher.
func New(store *db.Store, disp Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		disp:       disp,
		log:        slog.Default(),
		interval:   time.Second,
		batch:      50,
		staleAfter: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("delayed call sweep failed", "error", err)
			}
			if err := s.reapStale(ctx); err != nil {
				s.log.Error("stale call reap failed", "error", err)
			}
		}
	}
}

// RunOnce processes the currently due calls and returns how many it
// dispatched. Exported so embedders and tests can drive sweeps explicitly.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	calls, err := s.store.GetDelayedCallsToStart(ctx, time.Now(), s.batch)
	if err != nil {
		return 0, err
	}

	dispatched := 0

	for _, call := range calls {
		won, err := s.store.ClaimDelayedCall(ctx, call.ID)
		if err != nil {
			return dispatched, err
		}
		if !won {
			continue
		}

		// Run under the auth context captured when the call was scheduled.
		cctx := ctx
		if call.AuthContext != nil {
			cctx = authctx.With(ctx, call.AuthContext)
		}

		if err := s.disp.DispatchDelayedCall(cctx, call); err != nil {
			s.log.Error("delayed call dispatch failed",
				"call_id", call.ID,
				"target", call.TargetMethodName,
				"error", err)
		}

		if err := s.store.DeleteDelayedCall(ctx, call.ID); err != nil {
			return dispatched, err
		}

		dispatched++
	}

	return dispatched, nil
}

// reapStale returns calls claimed longer than staleAfter ago to the pool.
func (s *Scheduler) reapStale(ctx context.Context) error {
	n, err := s.store.ResetStaleDelayedCalls(ctx, time.Now().Add(-s.staleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Warn("reclaimed stale delayed calls", "count", n)
	}
	return nil
}

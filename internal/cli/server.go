package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/millrace/mill/internal/config"
	"github.com/millrace/mill/internal/cron"
	"github.com/millrace/mill/internal/db"
	"github.com/millrace/mill/internal/db/driver"
	"github.com/millrace/mill/internal/engine"
	"github.com/millrace/mill/internal/events"
	"github.com/millrace/mill/internal/executor"
	"github.com/millrace/mill/internal/scheduler"
)

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the workflow engine",
		Long: `Run the workflow engine: the action executor, the delayed-call
scheduler and the cron trigger processor, all over one database. Multiple
server processes may share a PostgreSQL database; delayed calls and cron
occurrences are claimed so each fires exactly once across the fleet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	log := newLogger()

	store, err := db.Open(driver.Dialect(cfg.Database.Dialect), cfg.Database.DSN, db.Options{
		FieldSizeLimit:   cfg.FieldSizeLimit(),
		StateInfoLimit:   cfg.Engine.StateInfoLimit,
		TransientRetries: cfg.Engine.TransientRetries,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	pub := events.NewMemoryPublisher()

	// The executor's callback routes results back into the engine, so the
	// two reference each other.
	var eng *engine.Engine
	exec := executor.NewLocal(func(ctx context.Context, actionExID string, res executor.Result) {
		if _, err := eng.OnActionComplete(ctx, actionExID, res); err != nil {
			log.Error("action completion failed",
				"action_execution_id", actionExID, "error", err)
		}
	}, executor.WithWorkers(cfg.Engine.ExecutorWorkers))

	eng = engine.New(store,
		engine.WithExecutor(exec),
		engine.WithPublisher(pub),
		engine.WithLogger(log),
	)

	sched := scheduler.New(store, eng,
		scheduler.WithInterval(cfg.Scheduler.Spacing),
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize),
		scheduler.WithStaleAfter(cfg.Scheduler.StaleThreshold),
		scheduler.WithLogger(log),
	)

	crons := cron.New(store, eng,
		cron.WithInterval(cfg.Cron.Spacing),
		cron.WithLookahead(cfg.Cron.Lookahead),
		cron.WithPublisher(pub),
		cron.WithLogger(log),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("mill server starting",
		"dialect", cfg.Database.Dialect,
		"workers", cfg.Engine.ExecutorWorkers)

	exec.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return crons.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return exec.Wait()
	})

	err = g.Wait()
	log.Info("mill server stopped")
	return err
}

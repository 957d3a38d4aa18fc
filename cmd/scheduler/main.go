package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm_leadflow/internal/events"
	"crm_leadflow/internal/leads"
	"crm_leadflow/internal/scheduler"
	"crm_leadflow/platform/config"
	"crm_leadflow/platform/db"
	"crm_leadflow/platform/logger"
	"crm_leadflow/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	if cfg.GetRedisURL() == "" {
		panic("REDIS_URL is required for the scheduler")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	eventBus := events.NewInMemoryBus(log)
	val := validator.New()

	// Worker-side lifecycle wiring (no HTTP handlers required).
	leadsModule, err := leads.NewModule(pool, eventBus, val, cfg, log)
	if err != nil {
		log.Error("failed to initialize leads module", "error", err)
		panic("failed to initialize leads module: " + err.Error())
	}

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize dispatch scheduler client", "error", err)
		panic("failed to initialize dispatch scheduler client: " + err.Error())
	}
	defer func() { _ = client.Close() }()
	leadsModule.SetDispatchScheduler(client)

	deduper, err := leads.NewRedisDeduperFromURL(cfg.GetRedisURL(), cfg.GetNotificationDedupeTTL())
	if err != nil {
		log.Error("failed to initialize notification deduper", "error", err)
		panic("failed to initialize notification deduper: " + err.Error())
	}
	defer func() { _ = deduper.Close() }()
	leadsModule.SetNotificationDeduper(deduper)

	worker, err := scheduler.NewWorker(cfg, leadsModule.Orchestrator(), log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	sweeper := scheduler.NewRetrySweeper(leadsModule.Ledger(), client, cfg.GetRetrySweepInterval(), log)
	reaper := scheduler.NewStaleAttemptReaper(leadsModule.Ledger(), leadsModule.RetryPolicy(),
		cfg.GetRetrySweepInterval(), cfg.GetStalePendingAfter(), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})

	_ = g.Wait()
	eventBus.Wait()
	log.Info("scheduler stopped")
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}

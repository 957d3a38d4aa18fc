package scheduler

import (
	"context"
	"fmt"

	"crm_leadflow/platform/config"
	"crm_leadflow/platform/logger"

	"github.com/hibiken/asynq"
)

// DispatchHandler executes a scheduled dispatch.
type DispatchHandler interface {
	RunScheduledDispatch(ctx context.Context, payload DispatchPayload) error
}

type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	dispatch DispatchHandler
	log      *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, dispatch DispatchHandler, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:   server,
		mux:      mux,
		dispatch: dispatch,
		log:      log,
	}

	mux.HandleFunc(TaskLeadDispatch, w.handleLeadDispatch)

	return w, nil
}

// Run processes tasks until ctx is cancelled, then drains in-flight work.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	if err := w.server.Start(w.mux); err != nil {
		w.log.Error("scheduler worker failed to start", "error", err)
		return
	}
	w.log.Info("scheduler worker started")

	<-ctx.Done()
	w.server.Shutdown()
	w.log.Info("scheduler worker stopped")
}

func (w *Worker) handleLeadDispatch(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseLeadDispatchPayload(task)
	if err != nil {
		w.log.Error("invalid dispatch task payload", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return w.dispatch.RunScheduledDispatch(ctx, payload)
}

package scheduler

import (
	"context"
	"time"

	"crm_leadflow/internal/dispatch"
	"crm_leadflow/platform/logger"
)

const (
	defaultStaleReapInterval = 5 * time.Minute
	defaultStalePendingAfter = 10 * time.Minute
	staleReapBatchSize       = 50
	staleAttemptMessage      = "attempt abandoned while pending"
)

// StaleAttemptStore finds and finalizes abandoned PENDING attempts.
type StaleAttemptStore interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]dispatch.Attempt, error)
	FinalizeAttempt(ctx context.Context, attempt dispatch.Attempt) error
}

// StaleAttemptReaper periodically fails PENDING attempts whose process died
// mid-delivery so the slot they hold can be retried.
type StaleAttemptReaper struct {
	store    StaleAttemptStore
	policy   dispatch.RetryPolicy
	log      *logger.Logger
	interval time.Duration
	after    time.Duration
	now      func() time.Time
}

func NewStaleAttemptReaper(store StaleAttemptStore, policy dispatch.RetryPolicy, interval, after time.Duration, log *logger.Logger) *StaleAttemptReaper {
	if interval <= 0 {
		interval = defaultStaleReapInterval
	}
	if after <= 0 {
		after = defaultStalePendingAfter
	}
	return &StaleAttemptReaper{
		store:    store,
		policy:   policy,
		log:      log,
		interval: interval,
		after:    after,
		now:      time.Now,
	}
}

func (r *StaleAttemptReaper) Run(ctx context.Context) {
	if r == nil || r.store == nil {
		return
	}

	r.Reap(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap finalizes stale attempts as transient failures and returns how many
// rows were moved.
func (r *StaleAttemptReaper) Reap(ctx context.Context) int {
	now := r.now().UTC()
	stale, err := r.store.ListStalePending(ctx, now.Add(-r.after), staleReapBatchSize)
	if err != nil {
		r.log.Warn("stale attempt reap failed", "error", err)
		return 0
	}

	reaped := 0
	for _, attempt := range stale {
		msg := staleAttemptMessage
		attempt.Status = dispatch.StatusFailed
		attempt.ErrorMessage = &msg
		attempt.CompletedAt = &now
		if r.policy.CanRetry(attempt.AttemptNo) {
			next := now
			attempt.NextRetryAt = &next
		}
		if err := r.store.FinalizeAttempt(ctx, attempt); err != nil {
			r.log.Warn("stale attempt finalize failed", "error", err, "attemptId", attempt.ID)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.log.Info("stale attempt reaper failed abandoned attempts", "count", reaped)
	}
	return reaped
}

package scheduler

import (
	"context"
	"time"

	"crm_leadflow/internal/dispatch"
	"crm_leadflow/platform/logger"
)

const (
	defaultRetrySweepInterval = time.Minute
	retrySweepBatchSize       = 50
)

// DueRetryLister finds failed attempts whose retry is due.
type DueRetryLister interface {
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]dispatch.Attempt, error)
}

// RetrySweeper re-enqueues due retries whose task was lost, for example when
// the process that recorded the failure crashed before enqueueing.
type RetrySweeper struct {
	ledger    DueRetryLister
	scheduler DispatchScheduler
	log       *logger.Logger
	interval  time.Duration
	now       func() time.Time
}

func NewRetrySweeper(ledger DueRetryLister, scheduler DispatchScheduler, interval time.Duration, log *logger.Logger) *RetrySweeper {
	if interval <= 0 {
		interval = defaultRetrySweepInterval
	}
	return &RetrySweeper{
		ledger:    ledger,
		scheduler: scheduler,
		log:       log,
		interval:  interval,
		now:       time.Now,
	}
}

func (s *RetrySweeper) Run(ctx context.Context) {
	if s == nil || s.ledger == nil || s.scheduler == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.Sweep(ctx)
	}
}

// Sweep enqueues one retry task per due attempt and returns how many were
// handed to the scheduler.
func (s *RetrySweeper) Sweep(ctx context.Context) int {
	due, err := s.ledger.ListDueRetries(ctx, s.now(), retrySweepBatchSize)
	if err != nil {
		s.log.Warn("retry sweep failed", "error", err)
		return 0
	}

	enqueued := 0
	for _, attempt := range due {
		payload := RetryPayload(attempt)
		if err := s.scheduler.ScheduleDispatch(ctx, payload, *attempt.NextRetryAt); err != nil {
			s.log.Warn("retry enqueue failed", "error", err, "leadId", attempt.LeadID, "attemptNo", attempt.AttemptNo)
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.log.Info("retry sweep enqueued attempts", "count", enqueued)
	}
	return enqueued
}

// RetryPayload builds the task for the attempt that follows a failed one.
func RetryPayload(attempt dispatch.Attempt) DispatchPayload {
	payload := DispatchPayload{
		LeadID:     attempt.LeadID.String(),
		CampaignID: attempt.CampaignID.String(),
		Trigger:    attempt.Trigger,
		ActionType: attempt.Type,
		AttemptNo:  attempt.AttemptNo + 1,
	}
	if attempt.DestinationID != nil {
		payload.SourceID = attempt.DestinationID.String()
	}
	if attempt.NextRetryAt != nil {
		payload.NotBefore = attempt.NextRetryAt.UTC()
	}
	return payload
}

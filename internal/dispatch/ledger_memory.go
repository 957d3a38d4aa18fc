package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"crm_leadflow/platform/apperr"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process Ledger with the same uniqueness rules as the
// Postgres schema.
type MemoryLedger struct {
	mu       sync.Mutex
	attempts []Attempt
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) PersistDispatchAttempt(_ context.Context, attempt *Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.attempts {
		if !existing.sameKey(attempt.LeadID, attempt.DestinationID, attempt.Trigger) {
			continue
		}
		if attempt.Status == StatusPending && existing.Status == StatusPending {
			return ErrAttemptInFlight
		}
		if existing.AttemptNo == attempt.AttemptNo {
			return apperr.Conflict("attempt number already recorded")
		}
	}

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	l.attempts = append(l.attempts, *attempt)
	return nil
}

func (l *MemoryLedger) FinalizeAttempt(_ context.Context, attempt Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.attempts {
		if l.attempts[i].ID != attempt.ID {
			continue
		}
		if l.attempts[i].Status != StatusPending {
			return ErrAttemptFinalized
		}
		l.attempts[i] = attempt
		return nil
	}
	return apperr.NotFound("dispatch attempt not found")
}

func (l *MemoryLedger) FindPendingAttempt(_ context.Context, leadID uuid.UUID, destinationID *uuid.UUID, trigger string) (*Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, a := range l.attempts {
		if a.Status == StatusPending && a.sameKey(leadID, destinationID, trigger) {
			found := a
			return &found, nil
		}
	}
	return nil, nil
}

func (l *MemoryLedger) LatestAttempt(_ context.Context, leadID uuid.UUID, destinationID *uuid.UUID, trigger string) (*Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var latest *Attempt
	for i := range l.attempts {
		a := l.attempts[i]
		if !a.sameKey(leadID, destinationID, trigger) {
			continue
		}
		if latest == nil || a.AttemptNo > latest.AttemptNo {
			found := a
			latest = &found
		}
	}
	return latest, nil
}

func (l *MemoryLedger) ListAttemptsForLead(_ context.Context, leadID uuid.UUID) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	items := make([]Attempt, 0)
	for _, a := range l.attempts {
		if a.LeadID == leadID {
			items = append(items, a)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (l *MemoryLedger) ListDueRetries(_ context.Context, now time.Time, limit int) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	due := make([]Attempt, 0)
	for _, a := range l.attempts {
		if a.Status != StatusFailed || a.NextRetryAt == nil || a.NextRetryAt.After(now) {
			continue
		}
		if l.supersededLocked(a) {
			continue
		}
		due = append(due, a)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (l *MemoryLedger) HasAttemptsForTrigger(_ context.Context, leadID uuid.UUID, trigger string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, a := range l.attempts {
		if a.LeadID == leadID && a.Trigger == trigger {
			return true, nil
		}
	}
	return false, nil
}

func (l *MemoryLedger) ListStalePending(_ context.Context, before time.Time, limit int) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stale := make([]Attempt, 0)
	for _, a := range l.attempts {
		if a.Status == StatusPending && a.CreatedAt.Before(before) {
			stale = append(stale, a)
		}
	}
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (l *MemoryLedger) supersededLocked(a Attempt) bool {
	for _, other := range l.attempts {
		if other.sameKey(a.LeadID, a.DestinationID, a.Trigger) && other.AttemptNo > a.AttemptNo {
			return true
		}
	}
	return false
}

func (a Attempt) sameKey(leadID uuid.UUID, destinationID *uuid.UUID, trigger string) bool {
	return a.LeadID == leadID && a.Trigger == trigger && sameDestination(a.DestinationID, destinationID)
}

package assignment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"crm_leadflow/platform/apperr"
	"crm_leadflow/platform/logger"

	"github.com/google/uuid"
)

func newTestService(t *testing.T, users ...uuid.UUID) (*Service, *MemoryStore, uuid.UUID) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, logger.Discard())
	campaignID := uuid.New()
	if len(users) > 0 {
		if _, err := svc.SyncAssignees(context.Background(), campaignID, users); err != nil {
			t.Fatalf("sync assignees: %v", err)
		}
	}
	return svc, store, campaignID
}

func TestNextAssigneeRotatesAndWraps(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	svc, store, campaignID := newTestService(t, a, b, c)

	want := []uuid.UUID{a, b, c, a}
	for i, expected := range want {
		got, err := svc.NextAssignee(context.Background(), campaignID)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if got != expected {
			t.Fatalf("pick %d: expected %s, got %s", i, expected, got)
		}
	}

	cursor, ok := store.Cursor(campaignID)
	if !ok {
		t.Fatal("expected cursor to exist")
	}
	if cursor.CurrentIndex != 1 {
		t.Fatalf("expected cursor 1, got %d", cursor.CurrentIndex)
	}
	if cursor.LastAssignedAt == nil {
		t.Fatal("expected LastAssignedAt to be stamped")
	}
}

func TestRemovingAssigneeKeepsRotationFair(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	svc, store, campaignID := newTestService(t, a, b, c)
	ctx := context.Background()

	if got, _ := svc.NextAssignee(ctx, campaignID); got != a {
		t.Fatalf("expected first pick A, got %s", got)
	}

	result, err := svc.SyncAssignees(ctx, campaignID, []uuid.UUID{a, c})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(result) != 3 {
		t.Fatalf("removed assignee must be kept as inactive row, got %d rows", len(result))
	}
	for _, row := range result {
		if row.UserID == b && row.IsActive {
			t.Fatal("B should be inactive")
		}
	}

	got, err := svc.NextAssignee(ctx, campaignID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != c {
		t.Fatalf("expected C after removing B, got %s", got)
	}
	cursor, _ := store.Cursor(campaignID)
	if cursor.CurrentIndex != 0 {
		t.Fatalf("expected cursor to wrap modulo 2 to 0, got %d", cursor.CurrentIndex)
	}
}

func TestSyncClampsCursorPastActiveCount(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	svc, store, campaignID := newTestService(t, a, b, c)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.NextAssignee(ctx, campaignID); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if _, err := svc.SyncAssignees(ctx, campaignID, []uuid.UUID{a}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	cursor, _ := store.Cursor(campaignID)
	if cursor.CurrentIndex != 0 {
		t.Fatalf("expected clamped cursor 0, got %d", cursor.CurrentIndex)
	}
	if got, _ := svc.NextAssignee(ctx, campaignID); got != a {
		t.Fatalf("expected A, got %s", got)
	}
}

func TestSyncReactivatesReturningUserInPlace(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	svc, _, campaignID := newTestService(t, a, b, c)
	ctx := context.Background()

	if _, err := svc.SyncAssignees(ctx, campaignID, []uuid.UUID{a, c}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	result, err := svc.SyncAssignees(ctx, campaignID, []uuid.UUID{d, c, b, a})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	wantOrder := []uuid.UUID{a, b, c, d}
	for i, row := range result {
		if row.UserID != wantOrder[i] {
			t.Fatalf("position %d: expected %s, got %s", i, wantOrder[i], row.UserID)
		}
		if !row.IsActive {
			t.Fatalf("position %d should be active", i)
		}
		if row.SortOrder != i {
			t.Fatalf("position %d: expected sort order %d, got %d", i, i, row.SortOrder)
		}
	}
}

func TestNextAssigneeWithoutActiveUsers(t *testing.T) {
	a := uuid.New()
	svc, _, campaignID := newTestService(t)
	ctx := context.Background()

	_, err := svc.NextAssignee(ctx, campaignID)
	if !errors.Is(err, ErrNoAssigneesAvailable) {
		t.Fatalf("expected ErrNoAssigneesAvailable, got %v", err)
	}
	if !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("expected unavailable kind, got %v", apperr.GetKind(err))
	}

	if _, err := svc.SyncAssignees(ctx, campaignID, []uuid.UUID{a}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := svc.SyncAssignees(ctx, campaignID, nil); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := svc.NextAssignee(ctx, campaignID); !errors.Is(err, ErrNoAssigneesAvailable) {
		t.Fatalf("expected ErrNoAssigneesAvailable after deactivating all, got %v", err)
	}
}

func TestNextAssigneeConcurrentCallsAreFair(t *testing.T) {
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	svc, _, campaignID := newTestService(t, users...)

	const calls = 100
	var (
		mu     sync.Mutex
		counts = make(map[uuid.UUID]int)
		wg     sync.WaitGroup
	)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := svc.NextAssignee(context.Background(), campaignID)
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			mu.Lock()
			counts[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	low, high := calls/len(users), (calls+len(users)-1)/len(users)
	for _, u := range users {
		if counts[u] < low || counts[u] > high {
			t.Fatalf("user %s picked %d times, want between %d and %d", u, counts[u], low, high)
		}
	}
}

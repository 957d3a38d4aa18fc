package assignment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"crm_leadflow/platform/logger"

	"github.com/google/uuid"
)

// Service owns all cursor mutations.
type Service struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

// NewService creates the assignment service.
func NewService(store Store, log *logger.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// NextAssignee picks the user at the cursor position among active assignees
// and advances the cursor. Read, advance and write happen under the campaign
// lock so concurrent callers never observe the same position.
func (s *Service) NextAssignee(ctx context.Context, campaignID uuid.UUID) (uuid.UUID, error) {
	var selected uuid.UUID
	err := s.store.WithinCampaign(ctx, campaignID, func(tx CampaignTx) error {
		all, err := tx.LoadCampaignAssignees(ctx)
		if err != nil {
			return fmt.Errorf("load assignees: %w", err)
		}
		active := activeOnly(all)
		sort.SliceStable(active, func(i, j int) bool { return active[i].SortOrder < active[j].SortOrder })
		if len(active) == 0 {
			return ErrNoAssigneesAvailable
		}

		cursor, err := tx.LoadCursor(ctx)
		if err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}

		k := len(active)
		pos := cursor.CurrentIndex % k
		if pos < 0 {
			pos += k
		}
		selected = active[pos].UserID

		now := s.now().UTC()
		cursor.CampaignID = campaignID
		// Stored reduced so the column stays bounded; reads reduce again by
		// the roster size at that time.
		cursor.CurrentIndex = (pos + 1) % k
		cursor.LastAssignedAt = &now
		if err := tx.PersistCursor(ctx, cursor); err != nil {
			return fmt.Errorf("persist cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.log.Debug("assignee selected", "campaignId", campaignID, "userId", selected)
	return selected, nil
}

// SyncAssignees replaces the campaign's rotation with userIDs. Retained users
// keep their relative order, new users are appended, removed users are kept
// as inactive rows. The cursor is re-clamped when it points past the new
// active list.
func (s *Service) SyncAssignees(ctx context.Context, campaignID uuid.UUID, userIDs []uuid.UUID) ([]Assignee, error) {
	var result []Assignee
	err := s.store.WithinCampaign(ctx, campaignID, func(tx CampaignTx) error {
		existing, err := tx.LoadCampaignAssignees(ctx)
		if err != nil {
			return fmt.Errorf("load assignees: %w", err)
		}

		result = mergeAssignees(existing, userIDs)
		if err := tx.SaveAssignees(ctx, result); err != nil {
			return fmt.Errorf("save assignees: %w", err)
		}

		cursor, err := tx.LoadCursor(ctx)
		if err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}
		activeCount := len(activeOnly(result))
		clamped := clampIndex(cursor.CurrentIndex, activeCount)
		if clamped == cursor.CurrentIndex {
			return nil
		}
		cursor.CampaignID = campaignID
		cursor.CurrentIndex = clamped
		if err := tx.PersistCursor(ctx, cursor); err != nil {
			return fmt.Errorf("persist cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("campaign assignees synced", "campaignId", campaignID, "total", len(result), "active", len(activeOnly(result)))
	return result, nil
}

func mergeAssignees(existing []Assignee, userIDs []uuid.UUID) []Assignee {
	desired := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		if id != uuid.Nil {
			desired[id] = true
		}
	}

	ordered := append([]Assignee(nil), existing...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SortOrder < ordered[j].SortOrder })

	seen := make(map[uuid.UUID]bool, len(ordered)+len(userIDs))
	merged := make([]Assignee, 0, len(ordered)+len(userIDs))
	for _, a := range ordered {
		if seen[a.UserID] {
			continue
		}
		seen[a.UserID] = true
		a.IsActive = desired[a.UserID]
		merged = append(merged, a)
	}
	for _, id := range userIDs {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, Assignee{UserID: id, IsActive: true})
	}

	for i := range merged {
		merged[i].SortOrder = i
	}
	return merged
}

func clampIndex(index, activeCount int) int {
	if activeCount <= 0 {
		return 0
	}
	if index < 0 {
		return 0
	}
	if index >= activeCount {
		return index % activeCount
	}
	return index
}

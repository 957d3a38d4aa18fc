// Package assignment implements round-robin owner selection over a campaign's
// active assignee list with a persisted cursor.
package assignment

import (
	"context"
	"time"

	"crm_leadflow/platform/apperr"

	"github.com/google/uuid"
)

// ErrNoAssigneesAvailable is returned when a campaign has no active assignees.
var ErrNoAssigneesAvailable = apperr.Unavailable("no active assignees for campaign")

// Assignee is one user in a campaign's rotation.
type Assignee struct {
	UserID    uuid.UUID `json:"userId"`
	IsActive  bool      `json:"isActive"`
	SortOrder int       `json:"sortOrder"`
}

// Cursor is the persisted rotation position of a campaign.
type Cursor struct {
	CampaignID     uuid.UUID  `json:"campaignId"`
	CurrentIndex   int        `json:"currentIndex"`
	LastAssignedAt *time.Time `json:"lastAssignedAt,omitempty"`
}

// CampaignTx is the persistence view of one campaign while its lock is held.
type CampaignTx interface {
	// LoadCampaignAssignees returns every assignee row, active or not,
	// ordered by SortOrder.
	LoadCampaignAssignees(ctx context.Context) ([]Assignee, error)
	// LoadCursor returns the cursor, creating it at index 0 when missing.
	LoadCursor(ctx context.Context) (Cursor, error)
	PersistCursor(ctx context.Context, cursor Cursor) error
	SaveAssignees(ctx context.Context, assignees []Assignee) error
}

// Store provides mutual exclusion per campaign. fn runs with the campaign
// locked and its writes are applied atomically when fn returns nil.
type Store interface {
	WithinCampaign(ctx context.Context, campaignID uuid.UUID, fn func(tx CampaignTx) error) error
}

func activeOnly(all []Assignee) []Assignee {
	active := make([]Assignee, 0, len(all))
	for _, a := range all {
		if a.IsActive {
			active = append(active, a)
		}
	}
	return active
}

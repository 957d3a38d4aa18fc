package repository

import (
	"context"
	"errors"
	"time"

	"crm_leadflow/internal/events"
	"crm_leadflow/internal/leads/domain"
	"crm_leadflow/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound         = apperr.NotFound("lead not found")
	ErrCampaignNotFound = apperr.NotFound("campaign not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type Lead struct {
	ID               uuid.UUID
	OrganizationID   uuid.UUID
	CampaignID       uuid.UUID
	FirstName        string
	LastName         string
	Phone            string
	Email            *string
	Status           string
	AutomationStatus string
	Intention        string
	IntentionStatus  string
	OwnerID          *uuid.UUID
	AssignedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Fields returns the raw fields the stage is derived from.
func (l Lead) Fields() domain.LeadFields {
	return domain.LeadFields{
		Status:           l.Status,
		AutomationStatus: l.AutomationStatus,
		Intention:        l.Intention,
		IntentionStatus:  l.IntentionStatus,
	}
}

// Stage derives the lead's current stage.
func (l Lead) Stage() domain.Stage {
	return domain.StageOf(l.Fields())
}

// State returns the value snapshot carried by lifecycle events.
func (l Lead) State() events.LeadState {
	return events.LeadState{
		LeadID:           l.ID,
		OrganizationID:   l.OrganizationID,
		CampaignID:       l.CampaignID,
		Status:           l.Status,
		AutomationStatus: l.AutomationStatus,
		Intention:        l.Intention,
		IntentionStatus:  l.IntentionStatus,
		OwnerID:          l.OwnerID,
		UpdatedAt:        l.UpdatedAt,
	}
}

func (r *Repository) GetLead(ctx context.Context, id uuid.UUID) (Lead, error) {
	var lead Lead
	err := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, campaign_id, first_name, last_name, phone, email,
			status, automation_status, intention, intention_status, owner_id, assigned_at,
			created_at, updated_at
		FROM leads
		WHERE id = $1
	`, id).Scan(
		&lead.ID, &lead.OrganizationID, &lead.CampaignID, &lead.FirstName, &lead.LastName, &lead.Phone, &lead.Email,
		&lead.Status, &lead.AutomationStatus, &lead.Intention, &lead.IntentionStatus, &lead.OwnerID, &lead.AssignedAt,
		&lead.CreatedAt, &lead.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	return lead, err
}

// AssignIfUnassigned sets the owner unless one is already stored. It leaves
// updated_at alone: that column tracks raw-field mutations and feeds trigger
// keys, so an assignment must not make a redelivered notification look new.
func (r *Repository) AssignIfUnassigned(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET owner_id = $2, assigned_at = now()
		WHERE id = $1 AND owner_id IS NULL
	`, id, ownerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CampaignOrganization returns the tenant owning a campaign.
func (r *Repository) CampaignOrganization(ctx context.Context, campaignID uuid.UUID) (uuid.UUID, error) {
	var organizationID uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT organization_id FROM campaigns WHERE id = $1`, campaignID).Scan(&organizationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrCampaignNotFound
	}
	return organizationID, err
}

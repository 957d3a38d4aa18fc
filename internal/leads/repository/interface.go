package repository

import (
	"context"

	"github.com/google/uuid"
)

// LeadReader provides read-only access to lead data.
type LeadReader interface {
	GetLead(ctx context.Context, id uuid.UUID) (Lead, error)
}

// LeadOwnerWriter sets a lead's owner.
type LeadOwnerWriter interface {
	// AssignIfUnassigned sets the owner only when the lead has none and
	// reports whether the write happened.
	AssignIfUnassigned(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (bool, error)
}

// CampaignReader resolves campaign ownership for tenant checks.
type CampaignReader interface {
	CampaignOrganization(ctx context.Context, campaignID uuid.UUID) (uuid.UUID, error)
}

// LeadStore is everything the lifecycle engine needs from lead storage.
type LeadStore interface {
	LeadReader
	LeadOwnerWriter
}

var (
	_ LeadStore      = (*Repository)(nil)
	_ CampaignReader = (*Repository)(nil)
)

// Package leads provides lead lifecycle functionality.
// This file defines the public API of the leads bounded context.
// Only types and interfaces defined here should be imported by other domains.
package leads

import (
	"context"

	"crm_leadflow/internal/dispatch"
	"crm_leadflow/internal/leads/domain"

	"github.com/google/uuid"
)

// Lifecycle is the operation set other domains may call.
type Lifecycle interface {
	// ResolveStage returns the derived stage of a lead.
	ResolveStage(ctx context.Context, organizationID, leadID uuid.UUID) (domain.Stage, error)
	// AssignNext returns the next owner in a campaign's rotation.
	AssignNext(ctx context.Context, organizationID, campaignID uuid.UUID) (uuid.UUID, error)
	// Dispatch sends a lead to a destination and records the attempt.
	Dispatch(ctx context.Context, organizationID, sourceID, leadID uuid.UUID, extra map[string]any) (dispatch.Result, error)
}

var _ Lifecycle = (*Service)(nil)

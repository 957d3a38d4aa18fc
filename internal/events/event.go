// Package events provides domain event definitions for the lead lifecycle.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"time"

	"crm_leadflow/internal/leads/domain"
	platformevents "crm_leadflow/platform/events"
	"crm_leadflow/platform/logger"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = platformevents.Event
	Bus         = platformevents.Bus
	Handler     = platformevents.Handler
	HandlerFunc = platformevents.HandlerFunc
	BaseEvent   = platformevents.BaseEvent
	InMemoryBus = platformevents.InMemoryBus
)

var NewBaseEvent = platformevents.NewBaseEvent

// NewInMemoryBus creates the process-local event bus.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return platformevents.NewInMemoryBus(log)
}

// LeadState is a value snapshot of a lead's mutable fields at one point in
// time. Events carry values so handlers never read state that changed after
// the mutation.
type LeadState struct {
	LeadID           uuid.UUID  `json:"leadId"`
	OrganizationID   uuid.UUID  `json:"organizationId"`
	CampaignID       uuid.UUID  `json:"campaignId"`
	Status           string     `json:"status"`
	AutomationStatus string     `json:"automationStatus"`
	Intention        string     `json:"intention"`
	IntentionStatus  string     `json:"intentionStatus"`
	OwnerID          *uuid.UUID `json:"ownerId,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// =============================================================================
// Lead Lifecycle Events
// =============================================================================

// LeadCreated is published after a lead is inserted.
type LeadCreated struct {
	BaseEvent
	Lead       LeadState              `json:"lead"`
	MutationID string                 `json:"mutationId,omitempty"`
	Override   *domain.ActionOverride `json:"override,omitempty"`
}

func (e LeadCreated) EventName() string { return "leads.lead.created" }

// OrderingKey keeps notifications for one lead in publish order.
func (e LeadCreated) OrderingKey() string { return e.Lead.LeadID.String() }

// LeadUpdated is published after any of a lead's raw fields changed.
type LeadUpdated struct {
	BaseEvent
	Previous   LeadState              `json:"previous"`
	Current    LeadState              `json:"current"`
	MutationID string                 `json:"mutationId,omitempty"`
	Override   *domain.ActionOverride `json:"override,omitempty"`
}

func (e LeadUpdated) EventName() string { return "leads.lead.updated" }

func (e LeadUpdated) OrderingKey() string { return e.Current.LeadID.String() }

// LeadStageChanged is published when the derived stage of a lead changed.
type LeadStageChanged struct {
	BaseEvent
	LeadID         uuid.UUID `json:"leadId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	CampaignID     uuid.UUID `json:"campaignId"`
	FromStage      string    `json:"fromStage"`
	ToStage        string    `json:"toStage"`
	Forward        bool      `json:"forward"`
	Trigger        string    `json:"trigger"`
}

func (e LeadStageChanged) EventName() string { return "leads.lead.stage_changed" }

// LeadAssigned is published when a lead received an owner through rotation.
type LeadAssigned struct {
	BaseEvent
	LeadID         uuid.UUID `json:"leadId"`
	OrganizationID uuid.UUID `json:"organizationId"`
	CampaignID     uuid.UUID `json:"campaignId"`
	OwnerID        uuid.UUID `json:"ownerId"`
}

func (e LeadAssigned) EventName() string { return "leads.lead.assigned" }

// LeadManualReviewRequested is published when a campaign routes a lead to a
// human instead of an automated destination.
type LeadManualReviewRequested struct {
	BaseEvent
	LeadID         uuid.UUID  `json:"leadId"`
	OrganizationID uuid.UUID  `json:"organizationId"`
	AgentID        *uuid.UUID `json:"agentId,omitempty"`
	Stage          string     `json:"stage"`
}

func (e LeadManualReviewRequested) EventName() string { return "leads.lead.manual_review_requested" }

// LeadDispatchCompleted is published after every dispatch attempt.
type LeadDispatchCompleted struct {
	BaseEvent
	LeadID         uuid.UUID  `json:"leadId"`
	OrganizationID uuid.UUID  `json:"organizationId"`
	AttemptID      uuid.UUID  `json:"attemptId"`
	Trigger        string     `json:"trigger"`
	AttemptNo      int        `json:"attemptNo"`
	Status         string     `json:"status"`
	StatusCode     int        `json:"statusCode,omitempty"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
}

func (e LeadDispatchCompleted) EventName() string { return "leads.dispatch.completed" }

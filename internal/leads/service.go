package leads

import (
	"context"
	"fmt"

	"crm_leadflow/internal/assignment"
	"crm_leadflow/internal/dispatch"
	"crm_leadflow/internal/events"
	"crm_leadflow/internal/leads/domain"
	"crm_leadflow/internal/leads/handler"
	"crm_leadflow/internal/leads/repository"
	"crm_leadflow/platform/logger"

	"github.com/google/uuid"
)

// AssigneeManager is the assignment surface exposed to collaborators.
type AssigneeManager interface {
	Assigner
	SyncAssignees(ctx context.Context, campaignID uuid.UUID, userIDs []uuid.UUID) ([]assignment.Assignee, error)
}

// AttemptLister reads a lead's dispatch history.
type AttemptLister interface {
	ListAttemptsForLead(ctx context.Context, leadID uuid.UUID) ([]dispatch.Attempt, error)
}

// Service is the tenant-scoped lifecycle API used by the HTTP handler and
// other modules.
type Service struct {
	leads        repository.LeadStore
	campaigns    repository.CampaignReader
	assignees    AssigneeManager
	attempts     AttemptLister
	orchestrator *Orchestrator
	eventBus     events.Bus
	log          *logger.Logger
}

func NewService(
	leads repository.LeadStore,
	campaigns repository.CampaignReader,
	assignees AssigneeManager,
	attempts AttemptLister,
	orchestrator *Orchestrator,
	eventBus events.Bus,
	log *logger.Logger,
) *Service {
	return &Service{
		leads:        leads,
		campaigns:    campaigns,
		assignees:    assignees,
		attempts:     attempts,
		orchestrator: orchestrator,
		eventBus:     eventBus,
		log:          log,
	}
}

// GetLead loads a lead owned by the organization. Leads of other tenants are
// reported as not found.
func (s *Service) GetLead(ctx context.Context, organizationID, leadID uuid.UUID) (repository.Lead, error) {
	lead, err := s.leads.GetLead(ctx, leadID)
	if err != nil {
		return repository.Lead{}, err
	}
	if lead.OrganizationID != organizationID {
		return repository.Lead{}, repository.ErrNotFound
	}
	return lead, nil
}

// ResolveStage returns the stage derived from the lead's current fields.
func (s *Service) ResolveStage(ctx context.Context, organizationID, leadID uuid.UUID) (domain.Stage, error) {
	lead, err := s.GetLead(ctx, organizationID, leadID)
	if err != nil {
		return "", err
	}
	return lead.Stage(), nil
}

// NotifyLeadChanged turns an external mutation notification into a lifecycle
// event. A nil previous means the lead was just created. Processing happens
// asynchronously on the event bus, in publish order per lead. A non-nil
// override replaces the campaign's action for this notification.
func (s *Service) NotifyLeadChanged(ctx context.Context, organizationID, leadID uuid.UUID, previous *domain.LeadFields, mutationID string, override *domain.ActionOverride) (domain.Stage, error) {
	lead, err := s.GetLead(ctx, organizationID, leadID)
	if err != nil {
		return "", err
	}

	current := lead.State()
	if previous == nil {
		s.eventBus.Publish(ctx, events.LeadCreated{
			BaseEvent:  events.NewBaseEvent(),
			Lead:       current,
			MutationID: mutationID,
			Override:   override,
		})
		return lead.Stage(), nil
	}

	before := current
	before.Status = previous.Status
	before.AutomationStatus = previous.AutomationStatus
	before.Intention = previous.Intention
	before.IntentionStatus = previous.IntentionStatus
	s.eventBus.Publish(ctx, events.LeadUpdated{
		BaseEvent:  events.NewBaseEvent(),
		Previous:   before,
		Current:    current,
		MutationID: mutationID,
		Override:   override,
	})
	return lead.Stage(), nil
}

func (s *Service) ListAttempts(ctx context.Context, organizationID, leadID uuid.UUID) ([]dispatch.Attempt, error) {
	if _, err := s.GetLead(ctx, organizationID, leadID); err != nil {
		return nil, err
	}
	attempts, err := s.attempts.ListAttemptsForLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("list dispatch attempts: %w", err)
	}
	return attempts, nil
}

// AssignNext advances the campaign rotation and returns the selected user.
func (s *Service) AssignNext(ctx context.Context, organizationID, campaignID uuid.UUID) (uuid.UUID, error) {
	if err := s.checkCampaign(ctx, organizationID, campaignID); err != nil {
		return uuid.Nil, err
	}
	return s.assignees.NextAssignee(ctx, campaignID)
}

func (s *Service) SyncAssignees(ctx context.Context, organizationID, campaignID uuid.UUID, userIDs []uuid.UUID) ([]assignment.Assignee, error) {
	if err := s.checkCampaign(ctx, organizationID, campaignID); err != nil {
		return nil, err
	}
	return s.assignees.SyncAssignees(ctx, campaignID, userIDs)
}

// Dispatch sends a lead to a destination on demand.
func (s *Service) Dispatch(ctx context.Context, organizationID, sourceID, leadID uuid.UUID, extra map[string]any) (dispatch.Result, error) {
	lead, err := s.GetLead(ctx, organizationID, leadID)
	if err != nil {
		return dispatch.Result{}, err
	}
	return s.orchestrator.DispatchManual(ctx, lead, sourceID, extra)
}

func (s *Service) checkCampaign(ctx context.Context, organizationID, campaignID uuid.UUID) error {
	owner, err := s.campaigns.CampaignOrganization(ctx, campaignID)
	if err != nil {
		return err
	}
	if owner != organizationID {
		return repository.ErrCampaignNotFound
	}
	return nil
}

var _ handler.Service = (*Service)(nil)

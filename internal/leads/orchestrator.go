package leads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crm_leadflow/internal/actions"
	"crm_leadflow/internal/assignment"
	"crm_leadflow/internal/dispatch"
	"crm_leadflow/internal/events"
	"crm_leadflow/internal/leads/domain"
	"crm_leadflow/internal/leads/repository"
	"crm_leadflow/internal/scheduler"
	"crm_leadflow/platform/logger"
)

const (
	eventStageChanged   = "lead.stage_changed"
	eventManualDispatch = "lead.manual_dispatch"
	stageTriggerPrefix  = "stage_changed:"
	manualTriggerPrefix = "manual:"
)

// Assigner picks the next owner for a campaign.
type Assigner interface {
	NextAssignee(ctx context.Context, campaignID uuid.UUID) (uuid.UUID, error)
}

// ActionResolver resolves the campaign action for a lead.
type ActionResolver interface {
	ResolveForLead(ctx context.Context, input actions.ResolveInput) (actions.ResolvedOptionAction, error)
}

// Dispatcher executes one dispatch attempt, or records that a scheduled one
// was cancelled.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	Cancel(ctx context.Context, req dispatch.Request, reason string) (dispatch.Result, error)
}

// AttemptReader is the part of the ledger the orchestrator consults before
// acting on a trigger.
type AttemptReader interface {
	HasAttemptsForTrigger(ctx context.Context, leadID uuid.UUID, trigger string) (bool, error)
	FindPendingAttempt(ctx context.Context, leadID uuid.UUID, destinationID *uuid.UUID, trigger string) (*dispatch.Attempt, error)
	LatestAttempt(ctx context.Context, leadID uuid.UUID, destinationID *uuid.UUID, trigger string) (*dispatch.Attempt, error)
}

// Orchestrator reacts to lead mutations: it detects stage transitions,
// assigns owners, resolves actions and dispatches or schedules them.
type Orchestrator struct {
	leads     repository.LeadStore
	assigner  Assigner
	actions   ActionResolver
	engine    Dispatcher
	ledger    AttemptReader
	scheduler scheduler.DispatchScheduler
	dedupe    NotificationDeduper
	eventBus  events.Bus
	log       *logger.Logger

	locks *leadSerializer
	now   func() time.Time
}

// OrchestratorDeps groups the orchestrator's collaborators.
type OrchestratorDeps struct {
	Leads     repository.LeadStore
	Assigner  Assigner
	Actions   ActionResolver
	Engine    Dispatcher
	Ledger    AttemptReader
	Scheduler scheduler.DispatchScheduler
	Dedupe    NotificationDeduper
	EventBus  events.Bus
	Log       *logger.Logger
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	dedupe := deps.Dedupe
	if dedupe == nil {
		dedupe = noopDeduper{}
	}
	return &Orchestrator{
		leads:     deps.Leads,
		assigner:  deps.Assigner,
		actions:   deps.Actions,
		engine:    deps.Engine,
		ledger:    deps.Ledger,
		scheduler: deps.Scheduler,
		dedupe:    dedupe,
		eventBus:  deps.EventBus,
		log:       deps.Log,
		locks:     newLeadSerializer(),
		now:       time.Now,
	}
}

// TriggerKey identifies one stage transition of one lead mutation.
func TriggerKey(tr domain.Transition, mutationID string, updatedAt time.Time) string {
	ref := mutationID
	if ref == "" {
		ref = updatedAt.UTC().Format(time.RFC3339Nano)
	}
	return stageTriggerPrefix + tr.String() + "@" + ref
}

// stageFromTrigger returns the target stage of a stage trigger, or "" for
// manual triggers.
func stageFromTrigger(trigger string) domain.Stage {
	rest, ok := strings.CutPrefix(trigger, stageTriggerPrefix)
	if !ok {
		return ""
	}
	_, target, ok := strings.Cut(rest, "->")
	if !ok {
		return ""
	}
	target, _, _ = strings.Cut(target, "@")
	stage, ok := domain.ParseStage(target)
	if !ok {
		return ""
	}
	return stage
}

// HandleLeadCreated treats a new lead as a transition from INBOX.
func (o *Orchestrator) HandleLeadCreated(ctx context.Context, evt events.LeadCreated) error {
	return o.handleMutation(ctx, domain.LeadFields{}, evt.Lead, evt.MutationID, evt.Override)
}

// HandleLeadUpdated reacts to a change of a lead's raw fields.
func (o *Orchestrator) HandleLeadUpdated(ctx context.Context, evt events.LeadUpdated) error {
	return o.handleMutation(ctx, fieldsOf(evt.Previous), evt.Current, evt.MutationID, evt.Override)
}

func (o *Orchestrator) handleMutation(ctx context.Context, previous domain.LeadFields, current events.LeadState, mutationID string, override *domain.ActionOverride) error {
	tr, changed := domain.DetectTransition(previous, fieldsOf(current))
	if !changed {
		return nil
	}

	unlock := o.locks.Lock(current.LeadID)
	defer unlock()

	trigger := TriggerKey(tr, mutationID, current.UpdatedAt)
	dedupeKey := current.LeadID.String() + ":" + trigger
	first, err := o.dedupe.Acquire(ctx, dedupeKey)
	if err != nil {
		o.log.Warn("orchestrator: notification dedupe unavailable, relying on ledger", "error", err, "leadId", current.LeadID)
		first = true
	}
	if !first {
		o.log.Info("orchestrator: duplicate notification ignored", "leadId", current.LeadID, "trigger", trigger)
		return nil
	}

	if err := o.processTransition(ctx, current, tr, trigger, override); err != nil {
		if releaseErr := o.dedupe.Release(ctx, dedupeKey); releaseErr != nil {
			o.log.Warn("orchestrator: failed to release dedupe key", "error", releaseErr, "leadId", current.LeadID)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) processTransition(ctx context.Context, state events.LeadState, tr domain.Transition, trigger string, override *domain.ActionOverride) error {
	o.log.Info("orchestrator: stage changed",
		"leadId", state.LeadID,
		"from", tr.From,
		"to", tr.To,
		"forward", tr.Forward(),
		"trigger", trigger)
	o.publish(ctx, events.LeadStageChanged{
		BaseEvent:      events.NewBaseEvent(),
		LeadID:         state.LeadID,
		OrganizationID: state.OrganizationID,
		CampaignID:     state.CampaignID,
		FromStage:      string(tr.From),
		ToStage:        string(tr.To),
		Forward:        tr.Forward(),
		Trigger:        trigger,
	})

	lead, err := o.leads.GetLead(ctx, state.LeadID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			o.log.Warn("orchestrator: lead disappeared before processing", "leadId", state.LeadID)
			return nil
		}
		return fmt.Errorf("load lead: %w", err)
	}

	if tr.To == domain.StageSalesReady && lead.OwnerID == nil {
		assigned, err := o.assignOwner(ctx, &lead)
		if err != nil {
			return err
		}
		if !assigned {
			return nil
		}
	}

	action, err := o.actions.ResolveForLead(ctx, actions.ResolveInput{
		CampaignID: lead.CampaignID,
		Stage:      tr.To,
		Intention:  lead.Intention,
		Override:   overrideAction(override),
	})
	if err != nil {
		return fmt.Errorf("resolve action: %w", err)
	}
	if action.Enabled && action.ActionType == actions.ActionManualReview {
		return o.requestManualReview(ctx, &lead, tr.To, action)
	}
	if !action.Enabled || actions.IsSkip(action) {
		o.log.Info("orchestrator: no automated action", "leadId", lead.ID, "stage", tr.To,
			"actionType", action.ActionType, "enabled", action.Enabled, "source", action.ResolutionSource)
		return nil
	}

	seen, err := o.ledger.HasAttemptsForTrigger(ctx, lead.ID, trigger)
	if err != nil {
		return fmt.Errorf("check ledger: %w", err)
	}
	if seen {
		o.log.Info("orchestrator: trigger already dispatched", "leadId", lead.ID, "trigger", trigger)
		return nil
	}

	if actions.HasDelay(action) && o.scheduler != nil {
		runAt := o.now().UTC().Add(time.Duration(action.DelaySeconds) * time.Second)
		payload := scheduler.DispatchPayload{
			LeadID:         lead.ID.String(),
			OrganizationID: lead.OrganizationID.String(),
			CampaignID:     lead.CampaignID.String(),
			Trigger:        trigger,
			Stage:          string(tr.To),
			ActionType:     string(action.ActionType),
			SourceID:       uuidString(action.SourceID),
			AttemptNo:      1,
			NotBefore:      runAt,
			Override:       override,
		}
		if err := o.scheduler.ScheduleDispatch(ctx, payload, runAt); err != nil {
			return fmt.Errorf("schedule delayed dispatch: %w", err)
		}
		o.log.Info("orchestrator: dispatch scheduled", "leadId", lead.ID, "runAt", runAt, "trigger", trigger)
		return nil
	}
	if actions.HasDelay(action) {
		o.log.Warn("orchestrator: no scheduler configured, dispatching delayed action now", "leadId", lead.ID)
	}

	_, err = o.dispatchAndFollowUp(ctx, lead, tr.To, o.buildRequest(lead, tr.To, action, trigger, eventStageChanged, nil), override)
	return err
}

// assignOwner gives an unowned lead the next campaign assignee. It reports
// false when processing must stop because nobody can take the lead.
func (o *Orchestrator) assignOwner(ctx context.Context, lead *repository.Lead) (bool, error) {
	ownerID, err := o.assigner.NextAssignee(ctx, lead.CampaignID)
	if err != nil {
		if errors.Is(err, assignment.ErrNoAssigneesAvailable) {
			o.log.Warn("orchestrator: no active assignees, lead left unassigned",
				"leadId", lead.ID, "campaignId", lead.CampaignID)
			return false, nil
		}
		return false, fmt.Errorf("select assignee: %w", err)
	}

	written, err := o.leads.AssignIfUnassigned(ctx, lead.ID, ownerID)
	if err != nil {
		return false, fmt.Errorf("assign owner: %w", err)
	}
	if !written {
		// Someone else won the race; keep whatever owner is stored now.
		current, err := o.leads.GetLead(ctx, lead.ID)
		if err != nil {
			return false, fmt.Errorf("reload lead: %w", err)
		}
		*lead = current
		o.log.Info("orchestrator: lead already owned, skipping assignment", "leadId", lead.ID)
		return true, nil
	}

	lead.OwnerID = &ownerID
	o.log.Info("orchestrator: lead assigned", "leadId", lead.ID, "ownerId", ownerID, "campaignId", lead.CampaignID)
	o.publish(ctx, events.LeadAssigned{
		BaseEvent:      events.NewBaseEvent(),
		LeadID:         lead.ID,
		OrganizationID: lead.OrganizationID,
		CampaignID:     lead.CampaignID,
		OwnerID:        ownerID,
	})
	return true, nil
}

func (o *Orchestrator) requestManualReview(ctx context.Context, lead *repository.Lead, stage domain.Stage, action actions.ResolvedOptionAction) error {
	if action.AgentID != nil && lead.OwnerID == nil {
		if _, err := o.leads.AssignIfUnassigned(ctx, lead.ID, *action.AgentID); err != nil {
			return fmt.Errorf("assign review agent: %w", err)
		}
	}
	o.log.Info("orchestrator: manual review requested", "leadId", lead.ID, "stage", stage)
	o.publish(ctx, events.LeadManualReviewRequested{
		BaseEvent:      events.NewBaseEvent(),
		LeadID:         lead.ID,
		OrganizationID: lead.OrganizationID,
		AgentID:        action.AgentID,
		Stage:          string(stage),
	})
	return nil
}

// RunScheduledDispatch executes a delayed or retried dispatch after checking
// that it still applies to the lead's current state.
func (o *Orchestrator) RunScheduledDispatch(ctx context.Context, payload scheduler.DispatchPayload) error {
	leadID, err := uuid.Parse(payload.LeadID)
	if err != nil {
		o.log.Error("orchestrator: scheduled dispatch has invalid lead id", "leadId", payload.LeadID)
		return nil
	}
	sourceID := parseOptionalUUID(payload.SourceID)
	if payload.Stage == "" {
		payload.Stage = string(stageFromTrigger(payload.Trigger))
	}

	unlock := o.locks.Lock(leadID)
	defer unlock()

	if now := o.now(); now.Before(payload.NotBefore) && o.scheduler != nil {
		payload.Deferrals++
		o.log.Debug("orchestrator: scheduled dispatch ran early, deferring", "leadId", leadID, "notBefore", payload.NotBefore)
		return o.scheduler.ScheduleDispatch(ctx, payload, payload.NotBefore)
	}

	lead, err := o.leads.GetLead(ctx, leadID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			o.log.Info("orchestrator: scheduled dispatch dropped, lead deleted", "leadId", leadID)
			return nil
		}
		return fmt.Errorf("load lead: %w", err)
	}

	current, err := o.isCurrentAttempt(ctx, leadID, sourceID, payload)
	if err != nil {
		return err
	}
	if !current {
		o.suppress(leadID, payload, "superseded by ledger state")
		return nil
	}

	stage := lead.Stage()
	action := actions.ResolvedOptionAction{ActionType: actions.ActionType(payload.ActionType), SourceID: sourceID, Enabled: true}
	event := eventManualDispatch
	if payload.Stage != "" {
		event = eventStageChanged
		if string(stage) != payload.Stage {
			return o.cancelScheduled(ctx, lead, stage, action, payload, "lead left stage", "stage", stage)
		}
		resolved, err := o.actions.ResolveForLead(ctx, actions.ResolveInput{
			CampaignID: lead.CampaignID,
			Stage:      stage,
			Intention:  lead.Intention,
			Override:   overrideAction(payload.Override),
		})
		if err != nil {
			return fmt.Errorf("resolve action: %w", err)
		}
		if !resolved.Enabled || actions.IsSkip(resolved) {
			return o.cancelScheduled(ctx, lead, stage, action, payload, "action disabled or skipped")
		}
		if string(resolved.ActionType) != payload.ActionType || !sameUUID(resolved.SourceID, sourceID) {
			return o.cancelScheduled(ctx, lead, stage, action, payload, "action or destination changed")
		}
		action = resolved
	}

	_, err = o.dispatchAndFollowUp(ctx, lead, stage, o.buildRequest(lead, stage, action, payload.Trigger, event, nil), payload.Override)
	return err
}

// cancelScheduled drops a scheduled dispatch that no longer applies. A retry
// also leaves a SKIPPED row behind so its FAILED predecessor stops being due.
func (o *Orchestrator) cancelScheduled(ctx context.Context, lead repository.Lead, stage domain.Stage, action actions.ResolvedOptionAction, payload scheduler.DispatchPayload, reason string, attrs ...any) error {
	o.suppress(lead.ID, payload, reason, attrs...)
	if payload.AttemptNo <= 1 {
		return nil
	}
	req := o.buildRequest(lead, stage, action, payload.Trigger, eventStageChanged, nil)
	if _, err := o.engine.Cancel(ctx, req, reason); err != nil {
		return fmt.Errorf("record cancelled retry: %w", err)
	}
	return nil
}

// isCurrentAttempt checks that the ledger is exactly one step behind the
// attempt the task is about to make.
func (o *Orchestrator) isCurrentAttempt(ctx context.Context, leadID uuid.UUID, sourceID *uuid.UUID, payload scheduler.DispatchPayload) (bool, error) {
	pending, err := o.ledger.FindPendingAttempt(ctx, leadID, sourceID, payload.Trigger)
	if err != nil {
		return false, fmt.Errorf("check pending attempt: %w", err)
	}
	if pending != nil {
		return false, nil
	}

	latest, err := o.ledger.LatestAttempt(ctx, leadID, sourceID, payload.Trigger)
	if err != nil {
		return false, fmt.Errorf("check latest attempt: %w", err)
	}
	if latest == nil {
		return payload.AttemptNo <= 1, nil
	}
	return latest.AttemptNo == payload.AttemptNo-1 &&
		latest.Status == dispatch.StatusFailed &&
		latest.NextRetryAt != nil, nil
}

// DispatchManual sends a lead to a destination outside any stage trigger.
func (o *Orchestrator) DispatchManual(ctx context.Context, lead repository.Lead, sourceID uuid.UUID, extra map[string]any) (dispatch.Result, error) {
	unlock := o.locks.Lock(lead.ID)
	defer unlock()

	stage := lead.Stage()
	trigger := manualTriggerPrefix + uuid.NewString()
	action := actions.ResolvedOptionAction{ActionType: actions.ActionWebhookCRM, SourceID: &sourceID, Enabled: true}
	return o.dispatchAndFollowUp(ctx, lead, stage, o.buildRequest(lead, stage, action, trigger, eventManualDispatch, extra), nil)
}

func (o *Orchestrator) buildRequest(lead repository.Lead, stage domain.Stage, action actions.ResolvedOptionAction, trigger, event string, extra map[string]any) dispatch.Request {
	return dispatch.Request{
		Lead:       toDispatchLead(lead, stage),
		SourceID:   action.SourceID,
		Type:       string(action.ActionType),
		Event:      event,
		Trigger:    trigger,
		TemplateID: action.TemplateID,
		Message:    action.Message,
		Extra:      extra,
	}
}

func (o *Orchestrator) dispatchAndFollowUp(ctx context.Context, lead repository.Lead, stage domain.Stage, req dispatch.Request, override *domain.ActionOverride) (dispatch.Result, error) {
	result, err := o.engine.Dispatch(ctx, req)
	if err != nil {
		if errors.Is(err, dispatch.ErrAttemptInFlight) {
			o.log.Info("orchestrator: attempt already in flight", "leadId", lead.ID, "trigger", req.Trigger)
		}
		return result, err
	}

	o.publish(ctx, events.LeadDispatchCompleted{
		BaseEvent:      events.NewBaseEvent(),
		LeadID:         lead.ID,
		OrganizationID: lead.OrganizationID,
		AttemptID:      result.AttemptID,
		Trigger:        req.Trigger,
		AttemptNo:      result.AttemptNo,
		Status:         string(result.Status),
		StatusCode:     result.StatusCode,
		NextRetryAt:    result.NextRetryAt,
	})

	if !result.Retryable() || o.scheduler == nil {
		return result, nil
	}

	payload := scheduler.DispatchPayload{
		LeadID:         lead.ID.String(),
		OrganizationID: lead.OrganizationID.String(),
		CampaignID:     lead.CampaignID.String(),
		Trigger:        req.Trigger,
		ActionType:     req.Type,
		SourceID:       uuidString(req.SourceID),
		AttemptNo:      result.AttemptNo + 1,
		NotBefore:      *result.NextRetryAt,
		Override:       override,
	}
	if req.Event == eventStageChanged {
		payload.Stage = string(stage)
	}
	if err := o.scheduler.ScheduleDispatch(ctx, payload, *result.NextRetryAt); err != nil {
		// The retry sweeper picks up due failures whose task never got queued.
		o.log.Warn("orchestrator: failed to schedule retry", "error", err, "leadId", lead.ID, "attemptNo", payload.AttemptNo)
	}
	return result, nil
}

func (o *Orchestrator) suppress(leadID uuid.UUID, payload scheduler.DispatchPayload, reason string, attrs ...any) {
	args := append([]any{"leadId", leadID, "trigger", payload.Trigger, "attemptNo", payload.AttemptNo, "reason", reason}, attrs...)
	o.log.Info("orchestrator: scheduled dispatch suppressed", args...)
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if o.eventBus == nil {
		return
	}
	o.eventBus.Publish(ctx, event)
}

// overrideAction turns a caller-supplied override into the resolver's
// highest-precedence layer.
func overrideAction(override *domain.ActionOverride) *actions.ResolvedOptionAction {
	if override == nil {
		return nil
	}
	return &actions.ResolvedOptionAction{
		ActionType:   actions.ActionType(override.ActionType),
		SourceID:     override.SourceID,
		TemplateID:   override.TemplateID,
		Message:      override.Message,
		AgentID:      override.AgentID,
		DelaySeconds: override.DelaySeconds,
		Enabled:      true,
	}
}

func fieldsOf(state events.LeadState) domain.LeadFields {
	return domain.LeadFields{
		Status:           state.Status,
		AutomationStatus: state.AutomationStatus,
		Intention:        state.Intention,
		IntentionStatus:  state.IntentionStatus,
	}
}

func toDispatchLead(lead repository.Lead, stage domain.Stage) dispatch.Lead {
	return dispatch.Lead{
		ID:               lead.ID,
		OrganizationID:   lead.OrganizationID,
		CampaignID:       lead.CampaignID,
		FirstName:        lead.FirstName,
		LastName:         lead.LastName,
		Phone:            lead.Phone,
		Email:            lead.Email,
		Status:           lead.Status,
		AutomationStatus: lead.AutomationStatus,
		Intention:        lead.Intention,
		IntentionStatus:  lead.IntentionStatus,
		OwnerID:          lead.OwnerID,
		Stage:            stage,
		UpdatedAt:        lead.UpdatedAt,
	}
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func parseOptionalUUID(value string) *uuid.UUID {
	if value == "" {
		return nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil
	}
	return &id
}

func sameUUID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

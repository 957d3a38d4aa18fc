package handler

import (
	"context"
	"net/http"

	"crm_leadflow/internal/assignment"
	"crm_leadflow/internal/dispatch"
	"crm_leadflow/internal/leads/domain"
	"crm_leadflow/internal/leads/repository"
	"crm_leadflow/internal/leads/transport"
	"crm_leadflow/platform/httpkit"
	"crm_leadflow/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	msgMissingTenant    = "missing organization"
)

// Service is the lifecycle API the handler exposes over HTTP. Every call is
// scoped to the calling organization.
type Service interface {
	GetLead(ctx context.Context, organizationID, leadID uuid.UUID) (repository.Lead, error)
	NotifyLeadChanged(ctx context.Context, organizationID, leadID uuid.UUID, previous *domain.LeadFields, mutationID string, override *domain.ActionOverride) (domain.Stage, error)
	ListAttempts(ctx context.Context, organizationID, leadID uuid.UUID) ([]dispatch.Attempt, error)
	AssignNext(ctx context.Context, organizationID, campaignID uuid.UUID) (uuid.UUID, error)
	SyncAssignees(ctx context.Context, organizationID, campaignID uuid.UUID, userIDs []uuid.UUID) ([]assignment.Assignee, error)
	Dispatch(ctx context.Context, organizationID, sourceID, leadID uuid.UUID, extra map[string]any) (dispatch.Result, error)
}

type Handler struct {
	svc Service
	val *validator.Validator
}

func New(svc Service, val *validator.Validator) *Handler {
	if val == nil {
		val = validator.New()
	}
	return &Handler{svc: svc, val: val}
}

// RegisterRoutes mounts the handler on a tenant-scoped group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/leads/:leadId/stage", h.GetStage)
	rg.POST("/leads/:leadId/events", h.NotifyLeadEvent)
	rg.GET("/leads/:leadId/dispatch-attempts", h.ListDispatchAttempts)
	rg.POST("/campaigns/:campaignId/assign-next", h.AssignNext)
	rg.PUT("/campaigns/:campaignId/assignees", h.SyncAssignees)
	rg.POST("/sources/:sourceId/dispatch", h.Dispatch)
}

func (h *Handler) GetStage(c *gin.Context) {
	tenantID, leadID, ok := h.tenantAndParam(c, "leadId")
	if !ok {
		return
	}

	lead, err := h.svc.GetLead(c.Request.Context(), tenantID, leadID)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.StageResponse{
		LeadID:           lead.ID,
		Stage:            string(lead.Stage()),
		Status:           lead.Status,
		AutomationStatus: lead.AutomationStatus,
		Intention:        lead.Intention,
		IntentionStatus:  lead.IntentionStatus,
		OwnerID:          lead.OwnerID,
	})
}

func (h *Handler) NotifyLeadEvent(c *gin.Context) {
	tenantID, leadID, ok := h.tenantAndParam(c, "leadId")
	if !ok {
		return
	}

	var req transport.LeadEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.Describe(err))
		return
	}

	var previous *domain.LeadFields
	if req.Type == transport.NotificationUpdated && req.Previous != nil {
		previous = &domain.LeadFields{
			Status:           req.Previous.Status,
			AutomationStatus: req.Previous.AutomationStatus,
			Intention:        req.Previous.Intention,
			IntentionStatus:  req.Previous.IntentionStatus,
		}
	}

	var override *domain.ActionOverride
	if o := req.ActionOverride; o != nil {
		override = &domain.ActionOverride{
			ActionType:   o.ActionType,
			SourceID:     o.SourceID,
			TemplateID:   o.TemplateID,
			Message:      o.Message,
			AgentID:      o.AgentID,
			DelaySeconds: o.DelaySeconds,
		}
	}

	stage, err := h.svc.NotifyLeadChanged(c.Request.Context(), tenantID, leadID, previous, req.MutationID, override)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.JSON(c, http.StatusAccepted, transport.LeadEventResponse{Accepted: true, Stage: string(stage)})
}

func (h *Handler) ListDispatchAttempts(c *gin.Context) {
	tenantID, leadID, ok := h.tenantAndParam(c, "leadId")
	if !ok {
		return
	}

	attempts, err := h.svc.ListAttempts(c.Request.Context(), tenantID, leadID)
	if httpkit.HandleError(c, err) {
		return
	}

	items := make([]transport.DispatchAttemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		items = append(items, toAttemptResponse(attempt))
	}
	httpkit.OK(c, transport.DispatchAttemptsResponse{LeadID: leadID, Items: items})
}

func (h *Handler) AssignNext(c *gin.Context) {
	tenantID, campaignID, ok := h.tenantAndParam(c, "campaignId")
	if !ok {
		return
	}

	ownerID, err := h.svc.AssignNext(c.Request.Context(), tenantID, campaignID)
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, transport.AssignNextResponse{CampaignID: campaignID, OwnerID: ownerID})
}

func (h *Handler) SyncAssignees(c *gin.Context) {
	tenantID, campaignID, ok := h.tenantAndParam(c, "campaignId")
	if !ok {
		return
	}

	var req transport.SyncAssigneesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.Describe(err))
		return
	}

	assignees, err := h.svc.SyncAssignees(c.Request.Context(), tenantID, campaignID, req.UserIDs)
	if httpkit.HandleError(c, err) {
		return
	}

	items := make([]transport.AssigneeResponse, 0, len(assignees))
	for _, a := range assignees {
		items = append(items, transport.AssigneeResponse{UserID: a.UserID, IsActive: a.IsActive, SortOrder: a.SortOrder})
	}
	httpkit.OK(c, transport.AssigneesResponse{CampaignID: campaignID, Items: items})
}

func (h *Handler) Dispatch(c *gin.Context) {
	tenantID, sourceID, ok := h.tenantAndParam(c, "sourceId")
	if !ok {
		return
	}

	var req transport.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, validator.Describe(err))
		return
	}

	result, err := h.svc.Dispatch(c.Request.Context(), tenantID, sourceID, req.LeadID, req.Extra)
	if httpkit.HandleError(c, err) {
		return
	}

	resp := transport.DispatchResponse{
		AttemptID:   result.AttemptID,
		AttemptNo:   result.AttemptNo,
		Status:      string(result.Status),
		Success:     result.Success,
		StatusCode:  result.StatusCode,
		NextRetryAt: result.NextRetryAt,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	httpkit.OK(c, resp)
}

func (h *Handler) tenantAndParam(c *gin.Context, param string) (uuid.UUID, uuid.UUID, bool) {
	tenantID, ok := httpkit.TenantID(c)
	if !ok {
		httpkit.Error(c, http.StatusUnauthorized, msgMissingTenant, nil)
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, id, true
}

func toAttemptResponse(a dispatch.Attempt) transport.DispatchAttemptResponse {
	return transport.DispatchAttemptResponse{
		ID:             a.ID,
		DestinationID:  a.DestinationID,
		Type:           a.Type,
		Trigger:        a.Trigger,
		RequestURL:     a.RequestURL,
		RequestMethod:  a.RequestMethod,
		ResponseStatus: a.ResponseStatus,
		ResponseBody:   a.ResponseBody,
		Status:         string(a.Status),
		AttemptNo:      a.AttemptNo,
		NextRetryAt:    a.NextRetryAt,
		ErrorMessage:   a.ErrorMessage,
		CreatedAt:      a.CreatedAt,
		CompletedAt:    a.CompletedAt,
	}
}

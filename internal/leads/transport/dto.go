package transport

import (
	"time"

	"github.com/google/uuid"
)

// Notification kinds accepted by the events intake.
const (
	NotificationCreated = "created"
	NotificationUpdated = "updated"
)

// Request DTOs

// LeadFields mirrors the raw lead fields the stage is derived from.
type LeadFields struct {
	Status           string `json:"status" validate:"max=100"`
	AutomationStatus string `json:"automationStatus" validate:"max=100"`
	Intention        string `json:"intention" validate:"max=100"`
	IntentionStatus  string `json:"intentionStatus" validate:"max=100"`
}

// ActionOverride replaces the campaign's configured action for one
// notification.
type ActionOverride struct {
	ActionType   string     `json:"actionType" validate:"required,oneof=WHATSAPP WEBHOOK_CRM SKIP MANUAL_REVIEW"`
	SourceID     *uuid.UUID `json:"sourceId,omitempty"`
	TemplateID   *string    `json:"templateId,omitempty" validate:"omitempty,max=200"`
	Message      *string    `json:"message,omitempty" validate:"omitempty,max=4096"`
	AgentID      *uuid.UUID `json:"agentId,omitempty"`
	DelaySeconds int        `json:"delaySeconds,omitempty" validate:"min=0,max=604800"`
}

// LeadEventRequest notifies the engine that a lead was created or changed.
// Previous carries the field values before an update.
type LeadEventRequest struct {
	Type           string          `json:"type" validate:"required,oneof=created updated"`
	Previous       *LeadFields     `json:"previous,omitempty" validate:"required_if=Type updated"`
	MutationID     string          `json:"mutationId,omitempty" validate:"omitempty,max=200"`
	ActionOverride *ActionOverride `json:"actionOverride,omitempty"`
}

type SyncAssigneesRequest struct {
	UserIDs []uuid.UUID `json:"userIds" validate:"max=500,dive,required"`
}

type DispatchRequest struct {
	LeadID uuid.UUID      `json:"leadId" validate:"required"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Response DTOs

type StageResponse struct {
	LeadID           uuid.UUID  `json:"leadId"`
	Stage            string     `json:"stage"`
	Status           string     `json:"status"`
	AutomationStatus string     `json:"automationStatus"`
	Intention        string     `json:"intention"`
	IntentionStatus  string     `json:"intentionStatus"`
	OwnerID          *uuid.UUID `json:"ownerId,omitempty"`
}

type LeadEventResponse struct {
	Accepted bool   `json:"accepted"`
	Stage    string `json:"stage"`
}

type AssignNextResponse struct {
	CampaignID uuid.UUID `json:"campaignId"`
	OwnerID    uuid.UUID `json:"ownerId"`
}

type AssigneeResponse struct {
	UserID    uuid.UUID `json:"userId"`
	IsActive  bool      `json:"isActive"`
	SortOrder int       `json:"sortOrder"`
}

type AssigneesResponse struct {
	CampaignID uuid.UUID          `json:"campaignId"`
	Items      []AssigneeResponse `json:"items"`
}

type DispatchAttemptResponse struct {
	ID             uuid.UUID  `json:"id"`
	DestinationID  *uuid.UUID `json:"destinationId,omitempty"`
	Type           string     `json:"type"`
	Trigger        string     `json:"trigger"`
	RequestURL     string     `json:"requestUrl,omitempty"`
	RequestMethod  string     `json:"requestMethod,omitempty"`
	ResponseStatus *int       `json:"responseStatus,omitempty"`
	ResponseBody   *string    `json:"responseBody,omitempty"`
	Status         string     `json:"status"`
	AttemptNo      int        `json:"attemptNo"`
	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

type DispatchAttemptsResponse struct {
	LeadID uuid.UUID                 `json:"leadId"`
	Items  []DispatchAttemptResponse `json:"items"`
}

type DispatchResponse struct {
	AttemptID   uuid.UUID  `json:"attemptId"`
	AttemptNo   int        `json:"attemptNo"`
	Status      string     `json:"status"`
	Success     bool       `json:"success"`
	StatusCode  int        `json:"statusCode,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

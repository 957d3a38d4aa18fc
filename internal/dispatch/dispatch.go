// Package dispatch delivers resolved actions to external destinations and
// keeps an attempt ledger with bounded retry.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"crm_leadflow/internal/leads/domain"
	"crm_leadflow/platform/apperr"

	"github.com/google/uuid"
)

var (
	// ErrAttemptInFlight is returned when a PENDING attempt already holds the
	// (lead, destination, trigger) slot.
	ErrAttemptInFlight = apperr.Conflict("dispatch attempt already in flight")
	// ErrAttemptFinalized is returned when finalizing a row that is not PENDING.
	ErrAttemptFinalized = apperr.Conflict("dispatch attempt already finalized")
	// ErrSourceNotFound is returned by DestinationLoader when no source exists.
	ErrSourceNotFound = apperr.NotFound("source not found")
)

// AttemptStatus is the lifecycle state of one ledger row.
type AttemptStatus string

const (
	StatusPending AttemptStatus = "PENDING"
	StatusSuccess AttemptStatus = "SUCCESS"
	StatusFailed  AttemptStatus = "FAILED"
	StatusSkipped AttemptStatus = "SKIPPED"
)

// SourceType identifies the kind of destination.
type SourceType string

const (
	SourceWebhook  SourceType = "webhook"
	SourceWhatsApp SourceType = "whatsapp"
)

// SourceConfig is the delivery configuration of a destination.
type SourceConfig struct {
	URL     string            `json:"url" validate:"required,http_url"`
	Method  string            `json:"method" validate:"omitempty,oneof=POST PUT PATCH"`
	Secret  string            `json:"-"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Source is an external destination owned by a tenant.
type Source struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organizationId"`
	Type           SourceType   `json:"type" validate:"oneof=webhook whatsapp"`
	Config         SourceConfig `json:"config"`
}

// Attempt is one row of the dispatch ledger.
type Attempt struct {
	ID             uuid.UUID       `json:"id"`
	LeadID         uuid.UUID       `json:"leadId"`
	CampaignID     uuid.UUID       `json:"campaignId"`
	DestinationID  *uuid.UUID      `json:"destinationId,omitempty"`
	Type           string          `json:"type"`
	Trigger        string          `json:"trigger"`
	RequestPayload json.RawMessage `json:"requestPayload,omitempty"`
	RequestURL     string          `json:"requestUrl"`
	RequestMethod  string          `json:"requestMethod"`
	ResponseStatus *int            `json:"responseStatus,omitempty"`
	ResponseBody   *string         `json:"responseBody,omitempty"`
	Status         AttemptStatus   `json:"status"`
	AttemptNo      int             `json:"attemptNo"`
	NextRetryAt    *time.Time      `json:"nextRetryAt,omitempty"`
	ErrorMessage   *string         `json:"errorMessage,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// Lead is the lead snapshot a dispatch is built from.
type Lead struct {
	ID               uuid.UUID    `json:"id"`
	OrganizationID   uuid.UUID    `json:"organizationId"`
	CampaignID       uuid.UUID    `json:"campaignId"`
	FirstName        string       `json:"firstName"`
	LastName         string       `json:"lastName"`
	Phone            string       `json:"phone"`
	Email            *string      `json:"email,omitempty"`
	Status           string       `json:"status"`
	AutomationStatus string       `json:"automationStatus"`
	Intention        string       `json:"intention"`
	IntentionStatus  string       `json:"intentionStatus"`
	OwnerID          *uuid.UUID   `json:"ownerId,omitempty"`
	Stage            domain.Stage `json:"stage"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Request asks the engine to deliver one action for a lead.
type Request struct {
	Lead Lead
	// SourceID is the destination. Nil records a SKIPPED attempt.
	SourceID *uuid.UUID
	// Type is the action type recorded on the attempt.
	Type       string
	Event      string
	Trigger    string
	TemplateID *string
	Message    *string
	Extra      map[string]any
}

// Result is the outcome of a single Dispatch call.
type Result struct {
	AttemptID    uuid.UUID
	AttemptNo    int
	Status       AttemptStatus
	Success      bool
	StatusCode   int
	ResponseBody string
	NextRetryAt  *time.Time
	Err          error
}

// Retryable reports whether a retry has been scheduled for this result.
func (r Result) Retryable() bool {
	return r.Status == StatusFailed && r.NextRetryAt != nil
}

// Ledger persists dispatch attempts.
type Ledger interface {
	// PersistDispatchAttempt inserts a new row. PENDING rows compete for the
	// single pending slot and fail with ErrAttemptInFlight when it is taken.
	PersistDispatchAttempt(ctx context.Context, attempt *Attempt) error
	// FinalizeAttempt moves a PENDING row to its final state exactly once.
	FinalizeAttempt(ctx context.Context, attempt Attempt) error
	FindPendingAttempt(ctx context.Context, leadID uuid.UUID, destinationID *uuid.UUID, trigger string) (*Attempt, error)
	LatestAttempt(ctx context.Context, leadID uuid.UUID, destinationID *uuid.UUID, trigger string) (*Attempt, error)
	ListAttemptsForLead(ctx context.Context, leadID uuid.UUID) ([]Attempt, error)
	// ListDueRetries returns FAILED rows whose retry is due and that have not
	// been superseded by a later attempt.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]Attempt, error)
	// HasAttemptsForTrigger reports whether any row exists for the trigger.
	HasAttemptsForTrigger(ctx context.Context, leadID uuid.UUID, trigger string) (bool, error)
	// ListStalePending returns PENDING rows created before the cutoff.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Attempt, error)
}

// DestinationLoader loads a tenant's destination.
type DestinationLoader interface {
	LoadDestination(ctx context.Context, organizationID, sourceID uuid.UUID) (Source, error)
}

func sameDestination(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

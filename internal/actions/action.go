// Package actions resolves which automated action a campaign wants to run for
// a lead in its current stage.
package actions

import (
	"strings"

	"github.com/google/uuid"
)

// ActionType is the closed set of automated actions.
type ActionType string

const (
	ActionWhatsApp     ActionType = "WHATSAPP"
	ActionWebhookCRM   ActionType = "WEBHOOK_CRM"
	ActionSkip         ActionType = "SKIP"
	ActionManualReview ActionType = "MANUAL_REVIEW"
)

// ResolutionSource records which configuration layer produced an action.
type ResolutionSource string

const (
	SourceOverride       ResolutionSource = "override"
	SourceCampaignOption ResolutionSource = "campaign_option"
	SourceCampaignConfig ResolutionSource = "campaign_config"
	SourceDefault        ResolutionSource = "default"
)

// ResolvedOptionAction is the action to run for a lead. Values are produced
// per call and never mutated afterwards.
type ResolvedOptionAction struct {
	ActionType       ActionType       `json:"actionType"`
	SourceID         *uuid.UUID       `json:"sourceId,omitempty"`
	TemplateID       *string          `json:"templateId,omitempty"`
	Message          *string          `json:"message,omitempty"`
	AgentID          *uuid.UUID       `json:"agentId,omitempty"`
	DelaySeconds     int              `json:"delaySeconds"`
	Enabled          bool             `json:"enabled"`
	ResolutionSource ResolutionSource `json:"resolutionSource"`
}

// DefaultAction is returned when no layer has an opinion.
func DefaultAction() ResolvedOptionAction {
	return ResolvedOptionAction{ActionType: ActionSkip, Enabled: false, ResolutionSource: SourceDefault}
}

// RequiresSource reports whether the action is delivered to a destination.
func RequiresSource(a ResolvedOptionAction) bool {
	return a.ActionType == ActionWhatsApp || a.ActionType == ActionWebhookCRM
}

// IsSkip reports whether the action sends nothing to a destination. Manual
// review counts: it hands the lead to a person instead.
func IsSkip(a ResolvedOptionAction) bool {
	return a.ActionType == ActionSkip || a.ActionType == ActionManualReview
}

func HasDelay(a ResolvedOptionAction) bool {
	return a.DelaySeconds > 0
}

// ParseActionType normalizes a raw action type. Unknown values are rejected.
func ParseActionType(raw string) (ActionType, bool) {
	switch t := ActionType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case ActionWhatsApp, ActionWebhookCRM, ActionSkip, ActionManualReview:
		return t, true
	default:
		return "", false
	}
}

func clampDelay(seconds int) int {
	if seconds < 0 {
		return 0
	}
	return seconds
}

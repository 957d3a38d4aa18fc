package domain

import "github.com/google/uuid"

// ActionOverride is an explicit action a caller attaches to one lead
// notification. It wins over everything the campaign configures.
type ActionOverride struct {
	ActionType   string     `json:"actionType"`
	SourceID     *uuid.UUID `json:"sourceId,omitempty"`
	TemplateID   *string    `json:"templateId,omitempty"`
	Message      *string    `json:"message,omitempty"`
	AgentID      *uuid.UUID `json:"agentId,omitempty"`
	DelaySeconds int        `json:"delaySeconds,omitempty"`
}

package scheduler

import (
	"encoding/json"
	"strconv"
	"time"

	"crm_leadflow/internal/leads/domain"

	"github.com/hibiken/asynq"
)

const TaskLeadDispatch = "leads.dispatch"

// DispatchPayload describes a delayed or retried dispatch. The worker
// re-validates everything in it against current state before sending.
type DispatchPayload struct {
	LeadID         string    `json:"leadId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	CampaignID     string    `json:"campaignId"`
	Trigger        string    `json:"trigger"`
	Stage          string    `json:"stage,omitempty"`
	ActionType     string    `json:"actionType"`
	SourceID       string    `json:"sourceId,omitempty"`
	AttemptNo      int       `json:"attemptNo"`
	NotBefore      time.Time `json:"notBefore"`
	Deferrals      int       `json:"deferrals,omitempty"`
	// Override is the caller-supplied action the dispatch was resolved with.
	Override *domain.ActionOverride `json:"override,omitempty"`
}

// TaskID identifies one attempt of one trigger so duplicate enqueues collapse.
func (p DispatchPayload) TaskID() string {
	destination := p.SourceID
	if destination == "" {
		destination = "none"
	}
	id := "dispatch:" + p.LeadID + ":" + destination + ":" + p.Trigger + ":" + strconv.Itoa(p.AttemptNo)
	if p.Deferrals > 0 {
		id += ":d" + strconv.Itoa(p.Deferrals)
	}
	return id
}

func NewLeadDispatchTask(payload DispatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLeadDispatch, data), nil
}

func ParseLeadDispatchPayload(task *asynq.Task) (DispatchPayload, error) {
	var payload DispatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return DispatchPayload{}, err
	}
	return payload, nil
}

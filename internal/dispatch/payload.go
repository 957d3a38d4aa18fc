package dispatch

import (
	"encoding/json"

	"crm_leadflow/platform/apperr"
	"crm_leadflow/platform/phone"
)

const defaultEvent = "lead.dispatch"

type webhookPayload struct {
	Event      string         `json:"event"`
	Trigger    string         `json:"trigger"`
	Lead       Lead           `json:"lead"`
	TemplateID *string        `json:"templateId,omitempty"`
	Message    *string        `json:"message,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

type whatsAppPayload struct {
	LeadID     string  `json:"leadId"`
	Phone      string  `json:"phone"`
	Message    string  `json:"message"`
	TemplateID *string `json:"templateId,omitempty"`
}

// buildPayload renders the request body for a destination type. A payload
// that cannot be built is a validation error and is never retried.
func buildPayload(sourceType SourceType, req Request, region string) ([]byte, error) {
	switch sourceType {
	case SourceWhatsApp:
		e164, err := phone.ParseE164(req.Lead.Phone, region)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "lead has no usable phone number", err)
		}
		message := ""
		if req.Message != nil {
			message = *req.Message
		}
		if message == "" && req.TemplateID == nil {
			return nil, apperr.Validation("whatsapp dispatch needs a message or template")
		}
		return json.Marshal(whatsAppPayload{
			LeadID:     req.Lead.ID.String(),
			Phone:      e164,
			Message:    message,
			TemplateID: req.TemplateID,
		})
	default:
		event := req.Event
		if event == "" {
			event = defaultEvent
		}
		return json.Marshal(webhookPayload{
			Event:      event,
			Trigger:    req.Trigger,
			Lead:       req.Lead,
			TemplateID: req.TemplateID,
			Message:    req.Message,
			Extra:      req.Extra,
		})
	}
}

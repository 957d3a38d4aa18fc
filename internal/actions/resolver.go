package actions

import (
	"sort"
	"strings"

	"crm_leadflow/internal/leads/domain"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// OptionRule is a structured campaign option row. Stage and Intention are
// optional filters; nil or blank matches anything.
type OptionRule struct {
	ID           uuid.UUID
	Stage        *string
	Intention    *string
	ActionType   string
	SourceID     *uuid.UUID
	TemplateID   *string
	Message      *string
	AgentID      *uuid.UUID
	DelaySeconds int
	Enabled      bool
	Priority     int
}

// Options is everything a campaign configures for action resolution.
type Options struct {
	Rules []OptionRule
	// RawConfig is the campaign's free-form automation config JSON.
	RawConfig []byte
}

// ResolveInput describes the lead state an action is resolved for.
type ResolveInput struct {
	CampaignID uuid.UUID
	Stage      domain.Stage
	Intention  string
	// Override is an explicit per-lead action that wins over campaign config.
	Override *ResolvedOptionAction
}

type strategy func(input ResolveInput, options Options) (ResolvedOptionAction, bool)

var strategies = []strategy{
	resolveFromOverride,
	resolveFromOptionRows,
	resolveFromRawConfig,
}

// Resolve applies the configuration layers in precedence order. It never
// fails: when nothing matches the result is a disabled SKIP.
func Resolve(input ResolveInput, options Options) ResolvedOptionAction {
	for _, s := range strategies {
		if action, ok := s(input, options); ok {
			return action
		}
	}
	return DefaultAction()
}

func resolveFromOverride(input ResolveInput, _ Options) (ResolvedOptionAction, bool) {
	if input.Override == nil {
		return ResolvedOptionAction{}, false
	}
	actionType, ok := ParseActionType(string(input.Override.ActionType))
	if !ok {
		return ResolvedOptionAction{}, false
	}
	action := *input.Override
	action.ActionType = actionType
	action.DelaySeconds = clampDelay(action.DelaySeconds)
	action.ResolutionSource = SourceOverride
	return action, true
}

func resolveFromOptionRows(input ResolveInput, options Options) (ResolvedOptionAction, bool) {
	if len(options.Rules) == 0 {
		return ResolvedOptionAction{}, false
	}

	rules := append([]OptionRule(nil), options.Rules...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	stage := string(input.Stage)
	for _, rule := range rules {
		if !matchesOptionalField(rule.Stage, stage) || !matchesOptionalField(rule.Intention, input.Intention) {
			continue
		}
		actionType, ok := ParseActionType(rule.ActionType)
		if !ok {
			continue
		}
		return ResolvedOptionAction{
			ActionType:       actionType,
			SourceID:         rule.SourceID,
			TemplateID:       rule.TemplateID,
			Message:          rule.Message,
			AgentID:          rule.AgentID,
			DelaySeconds:     clampDelay(rule.DelaySeconds),
			Enabled:          rule.Enabled,
			ResolutionSource: SourceCampaignOption,
		}, true
	}
	return ResolvedOptionAction{}, false
}

// resolveFromRawConfig reads {"options":[...]} leniently. Malformed JSON or a
// missing options array means no opinion.
func resolveFromRawConfig(input ResolveInput, options Options) (ResolvedOptionAction, bool) {
	if len(options.RawConfig) == 0 || !gjson.ValidBytes(options.RawConfig) {
		return ResolvedOptionAction{}, false
	}
	list := gjson.GetBytes(options.RawConfig, "options")
	if !list.IsArray() {
		return ResolvedOptionAction{}, false
	}

	stage := string(input.Stage)
	var (
		result  ResolvedOptionAction
		matched bool
	)
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		ruleStage := item.Get("stage").String()
		ruleIntention := item.Get("intention").String()
		if !matchesOptionalField(&ruleStage, stage) || !matchesOptionalField(&ruleIntention, input.Intention) {
			return true
		}
		actionType, ok := ParseActionType(item.Get("action").String())
		if !ok {
			return true
		}

		enabled := true
		if v := item.Get("enabled"); v.Exists() {
			enabled = v.Bool()
		}
		result = ResolvedOptionAction{
			ActionType:       actionType,
			SourceID:         optionalUUID(item.Get("sourceId").String()),
			TemplateID:       optionalString(item.Get("templateId").String()),
			Message:          optionalString(item.Get("message").String()),
			AgentID:          optionalUUID(item.Get("agentId").String()),
			DelaySeconds:     clampDelay(int(item.Get("delaySeconds").Int())),
			Enabled:          enabled,
			ResolutionSource: SourceCampaignConfig,
		}
		matched = true
		return false
	})
	return result, matched
}

func matchesOptionalField(ruleValue *string, actualValue string) bool {
	if ruleValue == nil {
		return true
	}
	ruleText := strings.TrimSpace(*ruleValue)
	if ruleText == "" {
		return true
	}
	actualText := strings.TrimSpace(actualValue)
	if actualText == "" {
		return false
	}
	return strings.EqualFold(ruleText, actualText)
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func optionalUUID(value string) *uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil || id == uuid.Nil {
		return nil
	}
	return &id
}

package actions

import (
	"context"
	"errors"
	"testing"

	"crm_leadflow/internal/leads/domain"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func strPtr(v string) *string { return &v }

func TestResolveWithoutConfigurationIsDisabledSkip(t *testing.T) {
	got := Resolve(ResolveInput{Stage: domain.StageSalesReady}, Options{})
	want := ResolvedOptionAction{ActionType: ActionSkip, Enabled: false, ResolutionSource: SourceDefault}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected action (-want +got):\n%s", diff)
	}
	if !IsSkip(got) || RequiresSource(got) || HasDelay(got) {
		t.Fatal("default action predicates are wrong")
	}
}

func TestResolveOverrideWinsOverRules(t *testing.T) {
	sourceID := uuid.New()
	options := Options{Rules: []OptionRule{{ActionType: "WEBHOOK_CRM", Enabled: true, SourceID: &sourceID}}}
	override := &ResolvedOptionAction{ActionType: "manual_review", Enabled: true, DelaySeconds: -5}

	got := Resolve(ResolveInput{Stage: domain.StageSalesReady, Override: override}, options)
	want := ResolvedOptionAction{ActionType: ActionManualReview, Enabled: true, ResolutionSource: SourceOverride}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected action (-want +got):\n%s", diff)
	}
}

func TestResolveRowsByPriorityAndFilters(t *testing.T) {
	webhook := uuid.New()
	whatsapp := uuid.New()
	options := Options{Rules: []OptionRule{
		{Priority: 50, Stage: strPtr("QUALIFYING"), ActionType: "WHATSAPP", SourceID: &whatsapp, Enabled: true},
		{Priority: 20, Stage: strPtr("sales_ready"), Intention: strPtr("purchase"), ActionType: "webhook_crm", SourceID: &webhook, DelaySeconds: 30, Enabled: true},
		{Priority: 10, Stage: strPtr("SALES_READY"), Intention: strPtr("meeting"), ActionType: "WHATSAPP", SourceID: &whatsapp, Enabled: true},
		{Priority: 5, Stage: strPtr("SALES_READY"), ActionType: "CARRIER_PIGEON", Enabled: true},
	}}

	got := Resolve(ResolveInput{Stage: domain.StageSalesReady, Intention: "Purchase"}, options)
	want := ResolvedOptionAction{
		ActionType:       ActionWebhookCRM,
		SourceID:         &webhook,
		DelaySeconds:     30,
		Enabled:          true,
		ResolutionSource: SourceCampaignOption,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected action (-want +got):\n%s", diff)
	}
	if !RequiresSource(got) || !HasDelay(got) {
		t.Fatal("webhook action should require a source and have a delay")
	}
}

func TestResolveRuleWithoutIntentionFilterMatchesAnyIntention(t *testing.T) {
	options := Options{Rules: []OptionRule{{Stage: strPtr("SALES_READY"), ActionType: "MANUAL_REVIEW", Enabled: true}}}
	got := Resolve(ResolveInput{Stage: domain.StageSalesReady}, options)
	if got.ActionType != ActionManualReview {
		t.Fatalf("expected MANUAL_REVIEW, got %s", got.ActionType)
	}

	ruleWithIntention := Options{Rules: []OptionRule{{Intention: strPtr("purchase"), ActionType: "MANUAL_REVIEW", Enabled: true}}}
	if got := Resolve(ResolveInput{Stage: domain.StageSalesReady}, ruleWithIntention); got.ResolutionSource != SourceDefault {
		t.Fatalf("rule with intention filter must not match lead without intention, got %+v", got)
	}
}

func TestResolveFallsBackToRawConfig(t *testing.T) {
	sourceID := uuid.New()
	raw := []byte(`{"options":[
		{"stage":"QUALIFYING","action":"WHATSAPP"},
		{"stage":"SALES_READY","action":"teleport"},
		{"stage":"SALES_READY","action":"webhook_crm","sourceId":"` + sourceID.String() + `","delaySeconds":-10,"templateId":"tpl-1"}
	]}`)

	got := Resolve(ResolveInput{Stage: domain.StageSalesReady}, Options{RawConfig: raw})
	want := ResolvedOptionAction{
		ActionType:       ActionWebhookCRM,
		SourceID:         &sourceID,
		TemplateID:       strPtr("tpl-1"),
		DelaySeconds:     0,
		Enabled:          true,
		ResolutionSource: SourceCampaignConfig,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected action (-want +got):\n%s", diff)
	}
}

func TestResolveRawConfigExplicitlyDisabled(t *testing.T) {
	raw := []byte(`{"options":[{"stage":"SALES_READY","action":"WHATSAPP","enabled":false}]}`)
	got := Resolve(ResolveInput{Stage: domain.StageSalesReady}, Options{RawConfig: raw})
	if got.Enabled {
		t.Fatal("expected disabled action")
	}
	if got.ResolutionSource != SourceCampaignConfig {
		t.Fatalf("expected campaign_config source, got %s", got.ResolutionSource)
	}
}

func TestResolveMalformedRawConfigHasNoOpinion(t *testing.T) {
	for _, raw := range []string{`{"options":[`, `[]`, `{"options":"nope"}`, `null`} {
		got := Resolve(ResolveInput{Stage: domain.StageSalesReady}, Options{RawConfig: []byte(raw)})
		if diff := cmp.Diff(DefaultAction(), got); diff != "" {
			t.Fatalf("raw %q: unexpected action (-want +got):\n%s", raw, diff)
		}
	}
}

type stubLoader struct {
	options Options
	err     error
}

func (s stubLoader) LoadResolvedOptions(context.Context, uuid.UUID) (Options, error) {
	return s.options, s.err
}

func TestServiceResolveForLead(t *testing.T) {
	svc := NewService(stubLoader{options: Options{Rules: []OptionRule{{ActionType: "SKIP", Enabled: true}}}})
	got, err := svc.ResolveForLead(context.Background(), ResolveInput{Stage: domain.StageInbox})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsSkip(got) || !got.Enabled {
		t.Fatalf("expected enabled SKIP, got %+v", got)
	}

	loadErr := errors.New("db down")
	failing := NewService(stubLoader{err: loadErr})
	if _, err := failing.ResolveForLead(context.Background(), ResolveInput{}); !errors.Is(err, loadErr) {
		t.Fatalf("expected load error to propagate, got %v", err)
	}
}

func TestActionPredicates(t *testing.T) {
	sourceID := uuid.New()
	tests := []struct {
		name           string
		action         ResolvedOptionAction
		skip           bool
		requiresSource bool
		delay          bool
	}{
		{name: "skip", action: ResolvedOptionAction{ActionType: ActionSkip}, skip: true},
		{name: "manual review", action: ResolvedOptionAction{ActionType: ActionManualReview, DelaySeconds: 30}, skip: true, delay: true},
		{name: "whatsapp", action: ResolvedOptionAction{ActionType: ActionWhatsApp, SourceID: &sourceID}, requiresSource: true},
		{name: "webhook delayed", action: ResolvedOptionAction{ActionType: ActionWebhookCRM, DelaySeconds: 600}, requiresSource: true, delay: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsSkip(tc.action); got != tc.skip {
				t.Errorf("IsSkip = %v, want %v", got, tc.skip)
			}
			if got := RequiresSource(tc.action); got != tc.requiresSource {
				t.Errorf("RequiresSource = %v, want %v", got, tc.requiresSource)
			}
			if got := HasDelay(tc.action); got != tc.delay {
				t.Errorf("HasDelay = %v, want %v", got, tc.delay)
			}
		})
	}
}

package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crm_leadflow/internal/leads/domain"
	"crm_leadflow/platform/apperr"
	"crm_leadflow/platform/logger"

	"github.com/google/uuid"
)

type stubSources map[uuid.UUID]Source

func (s stubSources) LoadDestination(_ context.Context, organizationID, sourceID uuid.UUID) (Source, error) {
	source, ok := s[sourceID]
	if !ok || source.OrganizationID != organizationID {
		return Source{}, ErrSourceNotFound
	}
	return source, nil
}

type fixture struct {
	engine   *Engine
	ledger   *MemoryLedger
	sourceID uuid.UUID
	lead     Lead
}

func newFixture(t *testing.T, url string, sourceType SourceType, policy RetryPolicy, mutate func(*Source)) fixture {
	t.Helper()
	orgID := uuid.New()
	sourceID := uuid.New()
	source := Source{
		ID:             sourceID,
		OrganizationID: orgID,
		Type:           sourceType,
		Config:         SourceConfig{URL: url, Method: "POST"},
	}
	if mutate != nil {
		mutate(&source)
	}
	ledger := NewMemoryLedger()
	engine := NewEngine(ledger, stubSources{sourceID: source}, Options{
		Policy:    policy,
		Timeout:   2 * time.Second,
		UserAgent: "leadflow-test",
	}, logger.Discard())

	return fixture{
		engine:   engine,
		ledger:   ledger,
		sourceID: sourceID,
		lead: Lead{
			ID:             uuid.New(),
			OrganizationID: orgID,
			CampaignID:     uuid.New(),
			FirstName:      "Ada",
			Phone:          "06 12345678",
			Status:         "qualified",
			Stage:          domain.StageSalesReady,
		},
	}
}

func (f fixture) request(trigger string) Request {
	id := f.sourceID
	return Request{Lead: f.lead, SourceID: &id, Type: "WEBHOOK_CRM", Trigger: trigger}
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	f := newFixture(t, server.URL, SourceWebhook, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, nil)
	ctx := context.Background()
	trigger := "stage_changed:QUALIFYING->SALES_READY@1"

	first, err := f.engine.Dispatch(ctx, f.request(trigger))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != StatusFailed || first.AttemptNo != 1 {
		t.Fatalf("expected FAILED attempt 1, got %s attempt %d", first.Status, first.AttemptNo)
	}
	if first.NextRetryAt == nil {
		t.Fatal("expected NextRetryAt for transient failure")
	}
	if !apperr.Is(first.Err, apperr.KindTransient) {
		t.Fatalf("expected transient error, got %v", first.Err)
	}

	second, err := f.engine.Dispatch(ctx, f.request(trigger))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != StatusSuccess || second.AttemptNo != 2 || !second.Success {
		t.Fatalf("expected SUCCESS attempt 2, got %s attempt %d", second.Status, second.AttemptNo)
	}
	if second.NextRetryAt != nil {
		t.Fatal("success must not schedule a retry")
	}
	if second.ResponseBody != `{"ok":true}` {
		t.Fatalf("unexpected response body %q", second.ResponseBody)
	}

	attempts, _ := f.ledger.ListAttemptsForLead(ctx, f.lead.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(attempts))
	}
	due, _ := f.ledger.ListDueRetries(ctx, time.Now().Add(time.Hour), 10)
	if len(due) != 0 {
		t.Fatalf("superseded failure must not be due, got %d", len(due))
	}
}

func TestDispatchClientErrorIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	f := newFixture(t, server.URL, SourceWebhook, DefaultRetryPolicy(), nil)
	result, err := f.engine.Dispatch(context.Background(), f.request("t1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusFailed || result.NextRetryAt != nil {
		t.Fatalf("expected terminal FAILED, got %s retry=%v", result.Status, result.NextRetryAt)
	}
	if !apperr.Is(result.Err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", result.Err)
	}
	if result.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", result.StatusCode)
	}
}

func TestDispatchStopsRetryingAtMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	f := newFixture(t, server.URL, SourceWebhook, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute}, nil)
	ctx := context.Background()

	first, _ := f.engine.Dispatch(ctx, f.request("t1"))
	if first.NextRetryAt == nil {
		t.Fatal("429 on first attempt should be retried")
	}
	second, _ := f.engine.Dispatch(ctx, f.request("t1"))
	if second.AttemptNo != 2 || second.NextRetryAt != nil {
		t.Fatalf("expected terminal attempt 2, got attempt %d retry=%v", second.AttemptNo, second.NextRetryAt)
	}
}

func TestDispatchWithoutSourceIsSkipped(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1", SourceWebhook, DefaultRetryPolicy(), nil)
	ctx := context.Background()

	req := f.request("t1")
	req.SourceID = nil
	result, err := f.engine.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSkipped || !apperr.Is(result.Err, apperr.KindConfiguration) {
		t.Fatalf("expected SKIPPED configuration error, got %s %v", result.Status, result.Err)
	}

	unknown := uuid.New()
	req.SourceID = &unknown
	result, err = f.engine.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSkipped || result.NextRetryAt != nil {
		t.Fatalf("expected SKIPPED without retry, got %s", result.Status)
	}
}

func TestDispatchInvalidSourceConfigIsSkipped(t *testing.T) {
	f := newFixture(t, "ftp://example.com/hook", SourceWebhook, DefaultRetryPolicy(), nil)
	result, err := f.engine.Dispatch(context.Background(), f.request("t1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", result.Status)
	}

	g := newFixture(t, "https://example.com/hook", SourceWebhook, DefaultRetryPolicy(), func(s *Source) { s.Config.Method = "DELETE" })
	result, _ = g.engine.Dispatch(context.Background(), g.request("t1"))
	if result.Status != StatusSkipped {
		t.Fatalf("unsupported method should be SKIPPED, got %s", result.Status)
	}
}

func TestDispatchSignsRequests(t *testing.T) {
	const secret = "s3cret"
	var verified atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get(HeaderTimestamp)
		sig := r.Header.Get(HeaderSignature)
		if VerifySignature(secret, ts, body, sig) &&
			r.Header.Get(HeaderAttempt) == "1" &&
			r.Header.Get(HeaderIdempotencyKey) == "t1#1" &&
			r.Header.Get("X-Tenant") == "acme" &&
			r.Header.Get("User-Agent") == "leadflow-test" {
			verified.Store(true)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	f := newFixture(t, server.URL, SourceWebhook, DefaultRetryPolicy(), func(s *Source) {
		s.Config.Secret = secret
		s.Config.Headers = map[string]string{"X-Tenant": "acme"}
	})
	result, err := f.engine.Dispatch(context.Background(), f.request("t1"))
	if err != nil || !result.Success {
		t.Fatalf("expected success, got %+v err=%v", result, err)
	}
	if !verified.Load() {
		t.Fatal("destination did not receive a valid signature")
	}
}

func TestDispatchTruncatesResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 600)))
	}))
	defer server.Close()

	f := newFixture(t, server.URL, SourceWebhook, DefaultRetryPolicy(), nil)
	result, _ := f.engine.Dispatch(context.Background(), f.request("t1"))
	if len(result.ResponseBody) != 500 || !strings.HasSuffix(result.ResponseBody, "...") {
		t.Fatalf("expected 500 chars ending in ..., got %d", len(result.ResponseBody))
	}
}

func TestDispatchTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	f := newFixture(t, server.URL, SourceWebhook, DefaultRetryPolicy(), nil)
	f.engine.timeout = 50 * time.Millisecond
	result, err := f.engine.Dispatch(context.Background(), f.request("t1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !apperr.Is(result.Err, apperr.KindTransient) || result.NextRetryAt == nil {
		t.Fatalf("expected retryable transient failure, got %v", result.Err)
	}
}

func TestDispatchWhatsAppWithoutPhoneFailsTerminally(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	f := newFixture(t, server.URL, SourceWhatsApp, DefaultRetryPolicy(), nil)
	f.lead.Phone = ""
	message := "hello"
	req := f.request("t1")
	req.Type = "WHATSAPP"
	req.Message = &message

	result, err := f.engine.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusFailed || result.NextRetryAt != nil || !apperr.Is(result.Err, apperr.KindValidation) {
		t.Fatalf("expected terminal validation failure, got %s %v", result.Status, result.Err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("destination must not be called")
	}
}

func TestDispatchRejectsSecondPendingAttempt(t *testing.T) {
	f := newFixture(t, "https://example.com/hook", SourceWebhook, DefaultRetryPolicy(), nil)
	ctx := context.Background()
	id := f.sourceID
	if err := f.ledger.PersistDispatchAttempt(ctx, &Attempt{
		LeadID: f.lead.ID, DestinationID: &id, Trigger: "t1", Status: StatusPending, AttemptNo: 1,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := f.engine.Dispatch(ctx, f.request("t1")); !errors.Is(err, ErrAttemptInFlight) {
		t.Fatalf("expected ErrAttemptInFlight, got %v", err)
	}
}

func TestCancelSupersedesDueRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := newFixture(t, server.URL, SourceWebhook, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}, nil)
	ctx := context.Background()

	first, err := f.engine.Dispatch(ctx, f.request("t1"))
	if err != nil || first.NextRetryAt == nil {
		t.Fatalf("expected retryable failure, got %+v err=%v", first, err)
	}

	cancelled, err := f.engine.Cancel(ctx, f.request("t1"), "lead left stage")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusSkipped || cancelled.AttemptNo != 2 {
		t.Fatalf("expected SKIPPED attempt 2, got %s attempt %d", cancelled.Status, cancelled.AttemptNo)
	}
	if !apperr.Is(cancelled.Err, apperr.KindConfiguration) || !strings.Contains(cancelled.Err.Error(), "lead left stage") {
		t.Fatalf("unexpected cancel reason %v", cancelled.Err)
	}

	due, _ := f.ledger.ListDueRetries(ctx, time.Now().Add(time.Hour), 10)
	if len(due) != 0 {
		t.Fatalf("cancelled retry must not be due, got %d", len(due))
	}
}

func TestDispatchStoresResponseBodyByContentType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{name: "json error kept", contentType: "application/json", body: `{"error":"score < 10 & stale"}`, want: `{"error":"score < 10 & stale"}`},
		{name: "html page stripped", contentType: "text/html; charset=utf-8", body: "<html><body><h1>Bad Request</h1></body></html>", want: "Bad Request"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			f := newFixture(t, server.URL, SourceWebhook, DefaultRetryPolicy(), nil)
			result, err := f.engine.Dispatch(context.Background(), f.request("t1"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.ResponseBody != tc.want {
				t.Fatalf("response body = %q, want %q", result.ResponseBody, tc.want)
			}
		})
	}
}

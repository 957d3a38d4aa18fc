package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crm_leadflow/platform/apperr"
	"crm_leadflow/platform/logger"
	"crm_leadflow/platform/phone"
	"crm_leadflow/platform/validator"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const defaultMethod = http.MethodPost

// Options configures an Engine.
type Options struct {
	Policy      RetryPolicy
	Timeout     time.Duration
	UserAgent   string
	RateLimit   float64
	RateBurst   int
	PhoneRegion string
	HTTPClient  *http.Client
	Clock       func() time.Time
	Validator   *validator.Validator
}

// Engine executes dispatch requests. Every call writes exactly one ledger row.
type Engine struct {
	ledger    Ledger
	sources   DestinationLoader
	client    *http.Client
	policy    RetryPolicy
	timeout   time.Duration
	userAgent string
	region    string
	limiter   *destinationLimiter
	validate  *validator.Validator
	now       func() time.Time
	log       *logger.Logger
}

// NewEngine creates a dispatch engine.
func NewEngine(ledger Ledger, sources DestinationLoader, opts Options, log *logger.Logger) *Engine {
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = phone.DefaultRegion
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Validator == nil {
		opts.Validator = validator.New()
	}
	client := &http.Client{}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		client = &copied
	}
	// Redirects are not followed; a 3xx answer is terminal.
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	return &Engine{
		ledger:    ledger,
		sources:   sources,
		client:    client,
		policy:    opts.Policy,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		region:    opts.PhoneRegion,
		limiter:   newDestinationLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		validate:  opts.Validator,
		now:       opts.Clock,
		log:       log,
	}
}

// Policy returns the retry policy in effect.
func (e *Engine) Policy() RetryPolicy {
	return e.policy
}

// Dispatch delivers req once. Delivery failures are reported through Result;
// the error return is reserved for ledger failures and ErrAttemptInFlight.
func (e *Engine) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.SourceID == nil {
		return e.skip(ctx, req, nil, apperr.Configuration("no destination configured for action"))
	}

	source, err := e.sources.LoadDestination(ctx, req.Lead.OrganizationID, *req.SourceID)
	if err != nil {
		switch apperr.GetKind(err) {
		case apperr.KindNotFound, apperr.KindConfiguration:
			return e.skip(ctx, req, req.SourceID, apperr.Wrap(apperr.KindConfiguration, "destination unavailable", err))
		default:
			return Result{}, fmt.Errorf("load destination: %w", err)
		}
	}
	if err := e.validateSource(source); err != nil {
		return e.skip(ctx, req, req.SourceID, err)
	}

	pending, err := e.ledger.FindPendingAttempt(ctx, req.Lead.ID, req.SourceID, req.Trigger)
	if err != nil {
		return Result{}, fmt.Errorf("find pending attempt: %w", err)
	}
	if pending != nil {
		return Result{}, ErrAttemptInFlight
	}

	attemptNo, err := e.nextAttemptNo(ctx, req.Lead.ID, req.SourceID, req.Trigger)
	if err != nil {
		return Result{}, err
	}

	method := strings.ToUpper(strings.TrimSpace(source.Config.Method))
	if method == "" {
		method = defaultMethod
	}
	attempt := &Attempt{
		LeadID:        req.Lead.ID,
		CampaignID:    req.Lead.CampaignID,
		DestinationID: req.SourceID,
		Type:          attemptType(req, source),
		Trigger:       req.Trigger,
		RequestURL:    source.Config.URL,
		RequestMethod: method,
		AttemptNo:     attemptNo,
		CreatedAt:     e.now().UTC(),
	}

	body, err := buildPayload(source.Type, req, e.region)
	if err != nil {
		return e.writeFinal(ctx, attempt, StatusFailed, err)
	}
	attempt.RequestPayload = body
	attempt.Status = StatusPending
	if err := e.ledger.PersistDispatchAttempt(ctx, attempt); err != nil {
		if errors.Is(err, ErrAttemptInFlight) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("claim attempt: %w", err)
	}

	statusCode, responseBody, sendErr := e.send(ctx, source, method, req.Trigger, attemptNo, body)
	return e.finalize(ctx, attempt, statusCode, responseBody, sendErr)
}

func (e *Engine) validateSource(source Source) error {
	if err := e.validate.Struct(source); err != nil {
		return apperr.Wrap(apperr.KindConfiguration, "invalid destination configuration: "+validator.Describe(err), err)
	}
	parsed, err := url.Parse(source.Config.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return apperr.Configuration("destination url must be an absolute http(s) url")
	}
	return nil
}

func (e *Engine) nextAttemptNo(ctx context.Context, leadID uuid.UUID, destinationID *uuid.UUID, trigger string) (int, error) {
	latest, err := e.ledger.LatestAttempt(ctx, leadID, destinationID, trigger)
	if err != nil {
		return 0, fmt.Errorf("latest attempt: %w", err)
	}
	if latest == nil {
		return 1, nil
	}
	return latest.AttemptNo + 1, nil
}

func (e *Engine) send(ctx context.Context, source Source, method, trigger string, attemptNo int, body []byte) (int, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.limiter.Wait(attemptCtx, source.ID); err != nil {
		return 0, "", apperr.Wrap(apperr.KindTransient, "rate limit wait expired", err)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, source.Config.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", apperr.Wrap(apperr.KindConfiguration, "build request", err)
	}
	applyHeaders(httpReq, source.Config, e.userAgent, trigger, attemptNo, body, e.now())

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseReadBytes))
	responseBody := truncateBody(string(raw), resp.Header.Get("Content-Type"))
	if readErr != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Warn("failed to read destination response", "error", readErr, "sourceId", source.ID)
	}
	return resp.StatusCode, responseBody, classifyStatus(resp.StatusCode)
}

func (e *Engine) finalize(ctx context.Context, attempt *Attempt, statusCode int, responseBody string, sendErr error) (Result, error) {
	now := e.now().UTC()
	attempt.CompletedAt = &now
	if statusCode != 0 {
		attempt.ResponseStatus = &statusCode
		attempt.ResponseBody = &responseBody
	}

	if sendErr == nil {
		attempt.Status = StatusSuccess
	} else {
		attempt.Status = StatusFailed
		msg := sendErr.Error()
		attempt.ErrorMessage = &msg
		if apperr.Is(sendErr, apperr.KindTransient) && e.policy.CanRetry(attempt.AttemptNo) {
			next := now.Add(e.policy.Delay(attempt.AttemptNo))
			attempt.NextRetryAt = &next
		}
	}

	if err := e.ledger.FinalizeAttempt(ctx, *attempt); err != nil {
		return Result{}, fmt.Errorf("finalize attempt: %w", err)
	}
	return e.result(attempt, statusCode, responseBody, sendErr), nil
}

func (e *Engine) skip(ctx context.Context, req Request, destinationID *uuid.UUID, reason error) (Result, error) {
	attemptNo, err := e.nextAttemptNo(ctx, req.Lead.ID, destinationID, req.Trigger)
	if err != nil {
		return Result{}, err
	}
	attempt := &Attempt{
		LeadID:        req.Lead.ID,
		CampaignID:    req.Lead.CampaignID,
		DestinationID: destinationID,
		Type:          attemptType(req, Source{}),
		Trigger:       req.Trigger,
		AttemptNo:     attemptNo,
		CreatedAt:     e.now().UTC(),
	}
	return e.writeFinal(ctx, attempt, StatusSkipped, reason)
}

// Cancel records a SKIPPED attempt for a scheduled dispatch that no longer
// applies. The row takes the next attempt number for the trigger, so an
// earlier FAILED row stops being due for retry.
func (e *Engine) Cancel(ctx context.Context, req Request, reason string) (Result, error) {
	e.log.Info("scheduled attempt cancelled", "leadId", req.Lead.ID, "trigger", req.Trigger, "reason", reason)
	return e.skip(ctx, req, req.SourceID, apperr.Configuration("cancelled: "+reason))
}

// writeFinal inserts a row that never passes through PENDING.
func (e *Engine) writeFinal(ctx context.Context, attempt *Attempt, status AttemptStatus, reason error) (Result, error) {
	now := e.now().UTC()
	attempt.Status = status
	attempt.CompletedAt = &now
	if reason != nil {
		msg := reason.Error()
		attempt.ErrorMessage = &msg
	}
	if err := e.ledger.PersistDispatchAttempt(ctx, attempt); err != nil {
		return Result{}, fmt.Errorf("record %s attempt: %w", strings.ToLower(string(status)), err)
	}
	return e.result(attempt, 0, "", reason), nil
}

func (e *Engine) result(attempt *Attempt, statusCode int, responseBody string, err error) Result {
	e.log.DispatchOutcome(string(attempt.Status), attempt.AttemptNo, statusCode, attempt.NextRetryAt, err,
		"leadId", attempt.LeadID,
		"trigger", attempt.Trigger,
		"type", attempt.Type,
	)
	return Result{
		AttemptID:    attempt.ID,
		AttemptNo:    attempt.AttemptNo,
		Status:       attempt.Status,
		Success:      attempt.Status == StatusSuccess,
		StatusCode:   statusCode,
		ResponseBody: responseBody,
		NextRetryAt:  attempt.NextRetryAt,
		Err:          err,
	}
}

func attemptType(req Request, source Source) string {
	if req.Type != "" {
		return req.Type
	}
	if source.Type != "" {
		return string(source.Type)
	}
	return "UNKNOWN"
}

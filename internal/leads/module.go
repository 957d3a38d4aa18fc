// Package leads provides the lead lifecycle bounded context module.
// This file defines the module that encapsulates all leads setup and route registration.
package leads

import (
	"context"

	"crm_leadflow/internal/actions"
	"crm_leadflow/internal/assignment"
	"crm_leadflow/internal/dispatch"
	"crm_leadflow/internal/events"
	apphttp "crm_leadflow/internal/http"
	"crm_leadflow/internal/leads/handler"
	"crm_leadflow/internal/leads/repository"
	"crm_leadflow/internal/scheduler"
	"crm_leadflow/platform/config"
	"crm_leadflow/platform/logger"
	"crm_leadflow/platform/secretbox"
	"crm_leadflow/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ModuleConfig combines the config interfaces the leads module reads.
type ModuleConfig interface {
	config.DispatchConfig
	config.SecretsConfig
	config.PhoneConfig
}

// Module is the leads bounded context module implementing http.Module.
type Module struct {
	handler      *handler.Handler
	service      *Service
	orchestrator *Orchestrator
	engine       *dispatch.Engine
	ledger       dispatch.Ledger
}

// NewModule creates and initializes the leads module with all its dependencies.
func NewModule(pool *pgxpool.Pool, eventBus events.Bus, val *validator.Validator, cfg ModuleConfig, log *logger.Logger) (*Module, error) {
	repo := repository.New(pool)

	var box *secretbox.Box
	if key := cfg.GetSourceSecretKey(); len(key) > 0 {
		b, err := secretbox.New(key)
		if err != nil {
			return nil, err
		}
		box = b
	} else {
		log.Warn("SOURCE_SECRET_KEY not configured; signed destinations will be skipped")
	}

	ledger := dispatch.NewPostgresLedger(pool)
	engine := dispatch.NewEngine(ledger, dispatch.NewPostgresSources(pool, box), dispatch.Options{
		Policy: dispatch.RetryPolicy{
			MaxAttempts: cfg.GetDispatchMaxAttempts(),
			BaseDelay:   cfg.GetDispatchRetryBaseDelay(),
			MaxDelay:    cfg.GetDispatchRetryMaxDelay(),
		},
		Timeout:     cfg.GetDispatchTimeout(),
		UserAgent:   cfg.GetDispatchUserAgent(),
		RateLimit:   cfg.GetDispatchRateLimit(),
		RateBurst:   cfg.GetDispatchRateBurst(),
		PhoneRegion: cfg.GetPhoneDefaultRegion(),
		Validator:   val,
	}, log)

	assignmentSvc := assignment.NewService(assignment.NewPostgresStore(pool), log)
	actionSvc := actions.NewService(actions.NewPostgresRepository(pool))

	orchestrator := NewOrchestrator(OrchestratorDeps{
		Leads:    repo,
		Assigner: assignmentSvc,
		Actions:  actionSvc,
		Engine:   engine,
		Ledger:   ledger,
		EventBus: eventBus,
		Log:      log,
	})
	subscribeLifecycle(eventBus, orchestrator, log)

	svc := NewService(repo, repo, assignmentSvc, ledger, orchestrator, eventBus, log)

	return &Module{
		handler:      handler.New(svc, val),
		service:      svc,
		orchestrator: orchestrator,
		engine:       engine,
		ledger:       ledger,
	}, nil
}

// subscribeLifecycle routes lead mutation events to the orchestrator.
func subscribeLifecycle(eventBus events.Bus, orchestrator *Orchestrator, log *logger.Logger) {
	eventBus.Subscribe(events.LeadCreated{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.LeadCreated)
		if !ok {
			return nil
		}
		if err := orchestrator.HandleLeadCreated(ctx, e); err != nil {
			log.Error("lead created handling failed", "error", err, "leadId", e.Lead.LeadID)
			return err
		}
		return nil
	}))

	eventBus.Subscribe(events.LeadUpdated{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.LeadUpdated)
		if !ok {
			return nil
		}
		if err := orchestrator.HandleLeadUpdated(ctx, e); err != nil {
			log.Error("lead updated handling failed", "error", err, "leadId", e.Current.LeadID)
			return err
		}
		return nil
	}))
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "leads"
}

// SetDispatchScheduler enables delayed dispatch and retry scheduling.
func (m *Module) SetDispatchScheduler(s scheduler.DispatchScheduler) {
	m.orchestrator.scheduler = s
}

// SetNotificationDeduper enables cross-process notification dedupe.
func (m *Module) SetNotificationDeduper(d NotificationDeduper) {
	if d == nil {
		d = noopDeduper{}
	}
	m.orchestrator.dedupe = d
}

// Service returns the lifecycle service for external use.
func (m *Module) Service() *Service {
	return m.service
}

// Orchestrator returns the orchestrator so the worker can run scheduled dispatches.
func (m *Module) Orchestrator() *Orchestrator {
	return m.orchestrator
}

// Ledger returns the dispatch ledger used by the retry sweeper and reaper.
func (m *Module) Ledger() dispatch.Ledger {
	return m.ledger
}

// RetryPolicy returns the dispatch retry policy in effect.
func (m *Module) RetryPolicy() dispatch.RetryPolicy {
	return m.engine.Policy()
}

// RegisterRoutes mounts leads routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Tenant)
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)

// Compile-time check that the orchestrator can serve scheduled tasks
var _ scheduler.DispatchHandler = (*Orchestrator)(nil)

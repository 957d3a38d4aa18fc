package actions

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// OptionsLoader loads a campaign's action configuration.
type OptionsLoader interface {
	LoadResolvedOptions(ctx context.Context, campaignID uuid.UUID) (Options, error)
}

// Service resolves actions against persisted campaign configuration.
type Service struct {
	loader OptionsLoader
}

func NewService(loader OptionsLoader) *Service {
	return &Service{loader: loader}
}

// ResolveForLead loads the campaign options and resolves the action. Only
// load failures are returned; an absent rule yields the default action.
func (s *Service) ResolveForLead(ctx context.Context, input ResolveInput) (ResolvedOptionAction, error) {
	options, err := s.loader.LoadResolvedOptions(ctx, input.CampaignID)
	if err != nil {
		return ResolvedOptionAction{}, fmt.Errorf("load campaign options: %w", err)
	}
	return Resolve(input, options), nil
}

package actions

import (
	"context"
	"errors"

	"crm_leadflow/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const campaignNotFoundMsg = "campaign not found"

// PostgresRepository reads campaign_options rows and the campaign's
// automation_config column.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// LoadResolvedOptions implements OptionsLoader.
func (r *PostgresRepository) LoadResolvedOptions(ctx context.Context, campaignID uuid.UUID) (Options, error) {
	var options Options
	err := r.pool.QueryRow(ctx, `
		SELECT automation_config
		FROM campaigns
		WHERE id = $1
	`, campaignID).Scan(&options.RawConfig)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Options{}, apperr.NotFound(campaignNotFoundMsg)
		}
		return Options{}, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, stage, intention, action_type, source_id, template_id, message,
			agent_id, delay_seconds, enabled, priority
		FROM campaign_options
		WHERE campaign_id = $1
		ORDER BY priority ASC, id ASC
	`, campaignID)
	if err != nil {
		return Options{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var rule OptionRule
		if err := rows.Scan(
			&rule.ID, &rule.Stage, &rule.Intention, &rule.ActionType, &rule.SourceID,
			&rule.TemplateID, &rule.Message, &rule.AgentID, &rule.DelaySeconds,
			&rule.Enabled, &rule.Priority,
		); err != nil {
			return Options{}, err
		}
		options.Rules = append(options.Rules, rule)
	}
	if rows.Err() != nil {
		return Options{}, rows.Err()
	}
	return options, nil
}

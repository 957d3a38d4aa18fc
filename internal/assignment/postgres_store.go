package assignment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore serializes cursor updates with a row lock on the campaign's
// cursor row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// WithinCampaign implements Store.
func (s *PostgresStore) WithinCampaign(ctx context.Context, campaignID uuid.UUID, fn func(tx CampaignTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The cursor row doubles as the campaign lock, so it is created before
	// anything is read.
	if _, err := tx.Exec(ctx, `
		INSERT INTO assignment_cursors (campaign_id, current_index)
		VALUES ($1, 0)
		ON CONFLICT (campaign_id) DO NOTHING
	`, campaignID); err != nil {
		return fmt.Errorf("ensure cursor: %w", err)
	}

	var cursor Cursor
	cursor.CampaignID = campaignID
	if err := tx.QueryRow(ctx, `
		SELECT current_index, last_assigned_at
		FROM assignment_cursors
		WHERE campaign_id = $1
		FOR UPDATE
	`, campaignID).Scan(&cursor.CurrentIndex, &cursor.LastAssignedAt); err != nil {
		return fmt.Errorf("lock cursor: %w", err)
	}

	if err := fn(&postgresTx{tx: tx, campaignID: campaignID, cursor: cursor}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type postgresTx struct {
	tx         pgx.Tx
	campaignID uuid.UUID
	cursor     Cursor
}

func (t *postgresTx) LoadCampaignAssignees(ctx context.Context) ([]Assignee, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT user_id, is_active, sort_order
		FROM campaign_assignees
		WHERE campaign_id = $1
		ORDER BY sort_order ASC, user_id ASC
	`, t.campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Assignee, 0)
	for rows.Next() {
		var a Assignee
		if err := rows.Scan(&a.UserID, &a.IsActive, &a.SortOrder); err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

func (t *postgresTx) LoadCursor(_ context.Context) (Cursor, error) {
	return t.cursor, nil
}

func (t *postgresTx) PersistCursor(ctx context.Context, cursor Cursor) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE assignment_cursors
		SET current_index = $2, last_assigned_at = $3, updated_at = now()
		WHERE campaign_id = $1
	`, t.campaignID, cursor.CurrentIndex, cursor.LastAssignedAt)
	if err != nil {
		return err
	}
	t.cursor = cursor
	return nil
}

func (t *postgresTx) SaveAssignees(ctx context.Context, assignees []Assignee) error {
	batch := &pgx.Batch{}
	for _, a := range assignees {
		batch.Queue(`
			INSERT INTO campaign_assignees (campaign_id, user_id, is_active, sort_order)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (campaign_id, user_id)
			DO UPDATE SET is_active = EXCLUDED.is_active, sort_order = EXCLUDED.sort_order, updated_at = now()
		`, t.campaignID, a.UserID, a.IsActive, a.SortOrder)
	}
	if batch.Len() == 0 {
		return nil
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

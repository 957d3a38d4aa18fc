package dispatch

import (
	"context"
	"errors"
	"time"

	"crm_leadflow/platform/apperr"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const attemptColumns = `id, lead_id, campaign_id, destination_id, type, trigger, request_payload,
	request_url, request_method, response_status, response_body, status, attempt_no,
	next_retry_at, error_message, created_at, completed_at`

// PostgresLedger stores attempts in dispatch_attempts.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (r *PostgresLedger) PersistDispatchAttempt(ctx context.Context, attempt *Attempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	var payload []byte
	if len(attempt.RequestPayload) > 0 {
		payload = attempt.RequestPayload
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO dispatch_attempts (
			id, lead_id, campaign_id, destination_id, type, trigger, request_payload,
			request_url, request_method, response_status, response_body, status, attempt_no,
			next_retry_at, error_message, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, COALESCE($16, now()), $17)
		RETURNING created_at
	`,
		attempt.ID, attempt.LeadID, attempt.CampaignID, attempt.DestinationID, attempt.Type, attempt.Trigger, payload,
		attempt.RequestURL, attempt.RequestMethod, attempt.ResponseStatus, attempt.ResponseBody, string(attempt.Status), attempt.AttemptNo,
		attempt.NextRetryAt, attempt.ErrorMessage, nullableTime(attempt.CreatedAt), attempt.CompletedAt,
	).Scan(&attempt.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if attempt.Status == StatusPending {
				return ErrAttemptInFlight
			}
			return apperr.Conflict("attempt number already recorded")
		}
		return err
	}
	return nil
}

func (r *PostgresLedger) FinalizeAttempt(ctx context.Context, attempt Attempt) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dispatch_attempts
		SET status = $2, response_status = $3, response_body = $4, next_retry_at = $5,
			error_message = $6, completed_at = COALESCE($7, now())
		WHERE id = $1 AND status = 'PENDING'
	`, attempt.ID, string(attempt.Status), attempt.ResponseStatus, attempt.ResponseBody,
		attempt.NextRetryAt, attempt.ErrorMessage, attempt.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptFinalized
	}
	return nil
}

func (r *PostgresLedger) FindPendingAttempt(ctx context.Context, leadID uuid.UUID, destinationID *uuid.UUID, trigger string) (*Attempt, error) {
	return r.queryOne(ctx, `
		SELECT `+attemptColumns+`
		FROM dispatch_attempts
		WHERE lead_id = $1 AND destination_id IS NOT DISTINCT FROM $2 AND trigger = $3 AND status = 'PENDING'
		LIMIT 1
	`, leadID, destinationID, trigger)
}

func (r *PostgresLedger) LatestAttempt(ctx context.Context, leadID uuid.UUID, destinationID *uuid.UUID, trigger string) (*Attempt, error) {
	return r.queryOne(ctx, `
		SELECT `+attemptColumns+`
		FROM dispatch_attempts
		WHERE lead_id = $1 AND destination_id IS NOT DISTINCT FROM $2 AND trigger = $3
		ORDER BY attempt_no DESC
		LIMIT 1
	`, leadID, destinationID, trigger)
}

func (r *PostgresLedger) ListAttemptsForLead(ctx context.Context, leadID uuid.UUID) ([]Attempt, error) {
	return r.queryMany(ctx, `
		SELECT `+attemptColumns+`
		FROM dispatch_attempts
		WHERE lead_id = $1
		ORDER BY created_at ASC, attempt_no ASC
	`, leadID)
}

func (r *PostgresLedger) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]Attempt, error) {
	if limit < 1 {
		limit = 50
	}
	return r.queryMany(ctx, `
		SELECT `+attemptColumns+`
		FROM dispatch_attempts a
		WHERE a.status = 'FAILED'
			AND a.next_retry_at IS NOT NULL
			AND a.next_retry_at <= $1
			AND NOT EXISTS (
				SELECT 1 FROM dispatch_attempts b
				WHERE b.lead_id = a.lead_id
					AND b.destination_id IS NOT DISTINCT FROM a.destination_id
					AND b.trigger = a.trigger
					AND b.attempt_no > a.attempt_no
			)
		ORDER BY a.next_retry_at ASC
		LIMIT $2
	`, now, limit)
}

func (r *PostgresLedger) HasAttemptsForTrigger(ctx context.Context, leadID uuid.UUID, trigger string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dispatch_attempts WHERE lead_id = $1 AND trigger = $2)
	`, leadID, trigger).Scan(&exists)
	return exists, err
}

func (r *PostgresLedger) ListStalePending(ctx context.Context, before time.Time, limit int) ([]Attempt, error) {
	if limit < 1 {
		limit = 50
	}
	return r.queryMany(ctx, `
		SELECT `+attemptColumns+`
		FROM dispatch_attempts
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, before, limit)
}

func (r *PostgresLedger) queryOne(ctx context.Context, query string, args ...any) (*Attempt, error) {
	attempt, err := scanAttempt(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

func (r *PostgresLedger) queryMany(ctx context.Context, query string, args ...any) ([]Attempt, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Attempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, attempt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

func scanAttempt(row pgx.Row) (Attempt, error) {
	var (
		a      Attempt
		status string
	)
	err := row.Scan(
		&a.ID, &a.LeadID, &a.CampaignID, &a.DestinationID, &a.Type, &a.Trigger, &a.RequestPayload,
		&a.RequestURL, &a.RequestMethod, &a.ResponseStatus, &a.ResponseBody, &status, &a.AttemptNo,
		&a.NextRetryAt, &a.ErrorMessage, &a.CreatedAt, &a.CompletedAt,
	)
	a.Status = AttemptStatus(status)
	return a, err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

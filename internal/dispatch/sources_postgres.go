package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"crm_leadflow/platform/apperr"
	"crm_leadflow/platform/secretbox"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSources loads destinations and decrypts their signing secrets.
type PostgresSources struct {
	pool *pgxpool.Pool
	box  *secretbox.Box
}

// NewPostgresSources creates a loader. box may be nil when no destination
// carries a secret.
func NewPostgresSources(pool *pgxpool.Pool, box *secretbox.Box) *PostgresSources {
	return &PostgresSources{pool: pool, box: box}
}

// LoadDestination implements DestinationLoader.
func (r *PostgresSources) LoadDestination(ctx context.Context, organizationID, sourceID uuid.UUID) (Source, error) {
	var (
		source          Source
		sourceType      string
		secretEncrypted *string
		headers         []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, type, url, method, secret_encrypted, headers
		FROM sources
		WHERE id = $1 AND organization_id = $2
	`, sourceID, organizationID).Scan(
		&source.ID, &source.OrganizationID, &sourceType, &source.Config.URL,
		&source.Config.Method, &secretEncrypted, &headers,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Source{}, ErrSourceNotFound
		}
		return Source{}, err
	}
	source.Type = SourceType(sourceType)

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &source.Config.Headers); err != nil {
			return Source{}, apperr.Wrap(apperr.KindConfiguration, "destination headers are not a string map", err)
		}
	}

	if secretEncrypted != nil && *secretEncrypted != "" {
		secret, err := r.openSecret(*secretEncrypted)
		if err != nil {
			return Source{}, err
		}
		source.Config.Secret = secret
	}
	return source, nil
}

func (r *PostgresSources) openSecret(encrypted string) (string, error) {
	if r.box == nil {
		return "", apperr.Configuration("destination has a secret but no decryption key is configured")
	}
	secret, err := r.box.Open(encrypted)
	if err != nil {
		return "", apperr.Wrap(apperr.KindConfiguration, "destination secret cannot be decrypted", err)
	}
	return secret, nil
}

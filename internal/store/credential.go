package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"basegraph.app/conductor/core/db"
	"basegraph.app/conductor/internal/model"
)

type credentialStore struct {
	q db.Querier
}

func newCredentialStore(q db.Querier) CredentialStore {
	return &credentialStore{q: q}
}

func (s *credentialStore) Get(ctx context.Context, accountID string) (*model.Credential, error) {
	var c model.Credential
	err := s.q.QueryRow(ctx, `
		SELECT account_id, provider, encrypted_token, encrypted_refresh_token, installation_id, expires_at, updated_at
		FROM credentials WHERE account_id = $1`, accountID).
		Scan(&c.AccountID, &c.Provider, &c.EncryptedToken, &c.EncryptedRefreshToken, &c.InstallationID, &c.ExpiresAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *credentialStore) Upsert(ctx context.Context, c *model.Credential) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO credentials (account_id, provider, encrypted_token, encrypted_refresh_token, installation_id, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (account_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			encrypted_token = EXCLUDED.encrypted_token,
			encrypted_refresh_token = COALESCE(EXCLUDED.encrypted_refresh_token, credentials.encrypted_refresh_token),
			installation_id = COALESCE(EXCLUDED.installation_id, credentials.installation_id),
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		c.AccountID, c.Provider, c.EncryptedToken, c.EncryptedRefreshToken, c.InstallationID, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

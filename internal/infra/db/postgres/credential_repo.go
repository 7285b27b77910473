package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/infra/security"
)

var _ adapter.CredentialSource = (*credentialRepo)(nil)

// credentialRepo reads delegated access tokens written by the OAuth side of
// the product. Tokens are sealed with security.EncryptionService.
type credentialRepo struct {
	pool *pgxpool.Pool
	enc  *security.EncryptionService
	now  func() time.Time
}

func NewCredentialRepo(pool *pgxpool.Pool, enc *security.EncryptionService) *credentialRepo {
	return &credentialRepo{pool: pool, enc: enc, now: time.Now}
}

// Store seals and upserts a token.
func (r *credentialRepo) Store(ctx context.Context, userID, provider, token string, expiresAt *time.Time) error {
	sealed, err := r.enc.Seal(token, security.CredentialBinding(userID, provider))
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO integration_credentials (user_id, provider, access_token, expires_at, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (user_id, provider) DO UPDATE SET
  access_token = EXCLUDED.access_token,
  expires_at = EXCLUDED.expires_at,
  updated_at = NOW();`, userID, provider, sealed, expiresAt)
	return err
}

func (r *credentialRepo) AccessToken(ctx context.Context, userID, provider string) (string, error) {
	var (
		sealed    string
		expiresAt *time.Time
	)
	err := r.pool.QueryRow(ctx, `
SELECT access_token, expires_at FROM integration_credentials
WHERE user_id = $1 AND provider = $2`, userID, provider).Scan(&sealed, &expiresAt)
	if err != nil {
		if scanErr(err) == domain.ErrNotFound {
			return "", fmt.Errorf("%s: %w", provider, domain.ErrNotConnected)
		}
		return "", err
	}
	if expiresAt != nil && !r.now().Before(*expiresAt) {
		return "", fmt.Errorf("%s: token expired: %w", provider, domain.ErrNotConnected)
	}
	token, err := r.enc.Open(sealed, security.CredentialBinding(userID, provider))
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", provider, domain.ErrNotConnected, err)
	}
	return token, nil
}

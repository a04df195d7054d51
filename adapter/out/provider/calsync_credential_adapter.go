package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// OAuthClientConfig holds one OAuth client's credentials.
type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
}

// CredentialAdapter resolves provider tokens from stored OAuth grants.
// The oauth_tokens table is owned by the auth service; this adapter only
// reads it.
type CredentialAdapter struct {
	db      *sqlx.DB
	configs map[domain.ClientType]*oauth2.Config
}

// NewCredentialAdapter creates a credential resolver backed by stored
// refresh tokens. One OAuth client config per client type.
func NewCredentialAdapter(db *sqlx.DB, clients map[domain.ClientType]OAuthClientConfig) *CredentialAdapter {
	configs := make(map[domain.ClientType]*oauth2.Config, len(clients))
	for ct, c := range clients {
		configs[ct] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Scopes: []string{
				"https://www.googleapis.com/auth/calendar.readonly",
				"https://www.googleapis.com/auth/calendar.events.readonly",
			},
			Endpoint: google.Endpoint,
		}
	}
	return &CredentialAdapter{db: db, configs: configs}
}

type tokenRow struct {
	RefreshToken sql.NullString `db:"refresh_token"`
	Revoked      bool           `db:"revoked"`
}

// ResolveToken looks up the stored refresh token for the user's grant and
// exchanges it for a live access token. A missing or revoked grant is
// reported as AUTH_REVOKED so the caller disables the integration instead
// of retrying.
func (a *CredentialAdapter) ResolveToken(ctx context.Context, userID uuid.UUID, calendarID string, clientType domain.ClientType) (*oauth2.Token, error) {
	cfg, ok := a.configs[clientType]
	if !ok {
		return nil, fmt.Errorf("no oauth client configured for client type %q", clientType)
	}

	var row tokenRow
	query := `
		SELECT refresh_token, revoked
		FROM oauth_tokens
		WHERE user_id = $1 AND provider = 'google' AND client_type = $2
		ORDER BY created_at DESC
		LIMIT 1`
	if err := a.db.GetContext(ctx, &row, query, userID, string(clientType)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &out.ProviderError{
				Code:    out.ProviderErrAuthRevoked,
				Message: "no stored grant for user",
			}
		}
		return nil, fmt.Errorf("failed to load oauth token: %w", err)
	}

	if row.Revoked || !row.RefreshToken.Valid || row.RefreshToken.String == "" {
		return nil, &out.ProviderError{
			Code:    out.ProviderErrAuthRevoked,
			Message: "stored grant revoked",
		}
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: row.RefreshToken.String})
	token, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == 400 || retrieveErr.Response.StatusCode == 401) {
			return nil, &out.ProviderError{
				Code:    out.ProviderErrAuthRevoked,
				Message: "refresh token rejected",
				Err:     err,
			}
		}
		return nil, &out.ProviderError{
			Code:    out.ProviderErrTransient,
			Message: "token refresh failed",
			Err:     err,
		}
	}

	return token, nil
}

// Ensure interface compliance
var _ out.CredentialResolverPort = (*CredentialAdapter)(nil)

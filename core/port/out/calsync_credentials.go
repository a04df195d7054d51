package out

import (
	"context"

	"calsync_server/core/domain"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// CredentialResolverPort resolves a provider auth token for an
// integration. The client type selects which OAuth client context the
// stored grant belongs to; this subsystem never branches on it beyond
// passing it through.
type CredentialResolverPort interface {
	ResolveToken(ctx context.Context, userID uuid.UUID, calendarID string, clientType domain.ClientType) (*oauth2.Token, error)
}

// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"time"

	"calsync_server/core/domain"

	"golang.org/x/oauth2"
)

// =============================================================================
// Calendar Provider Port
// =============================================================================

// CalendarProviderPort defines the outbound port for the external calendar
// provider: watch channel registration/teardown, token-based delta listing,
// and color metadata.
type CalendarProviderPort interface {
	// CreateWatch registers a push-notification channel for a calendar and
	// returns the provider-assigned resource handles.
	CreateWatch(ctx context.Context, token *oauth2.Token, req *WatchRequest) (*WatchResult, error)

	// StopWatch tears down a channel. Safe to call for channels the
	// provider has already expired.
	StopWatch(ctx context.Context, token *oauth2.Token, channelID, resourceID string) error

	// ListDelta fetches one page of changes. Exactly one of SyncToken and
	// PageToken drives the request; both empty means a full baseline fetch.
	ListDelta(ctx context.Context, token *oauth2.Token, q *DeltaQuery) (*DeltaPage, error)

	// GetColors fetches the provider's event color palette.
	GetColors(ctx context.Context, token *oauth2.Token) (domain.ColorPalette, error)
}

// WatchRequest carries the caller-chosen channel identity and secret.
type WatchRequest struct {
	CalendarID string
	ChannelID  string
	Token      string
	Address    string
	TTL        time.Duration
}

// WatchResult is the provider's acknowledgement of a new channel.
type WatchResult struct {
	ResourceID  string
	ResourceURI string
	Expiration  time.Time
}

// DeltaQuery identifies the page to fetch.
type DeltaQuery struct {
	CalendarID string
	SyncToken  string
	PageToken  string
	MaxResults int
}

// DeltaPage is one page of incremental changes. NextPageToken is set when
// more pages remain; NextSyncToken is set only on the final page.
type DeltaPage struct {
	Events        []*ProviderEvent
	DeletedIDs    []string
	NextPageToken string
	NextSyncToken string
}

// ProviderEvent is the provider-shaped event before local conversion.
type ProviderEvent struct {
	ID             string
	Title          string
	Description    string
	Location       string
	StartTime      time.Time
	EndTime        time.Time
	IsAllDay       bool
	Timezone       string
	Status         string
	OrganizerEmail string
	Attendees      []string
	ColorID        string

	// Revision is the provider's last-updated time in unix milliseconds.
	Revision int64
}

// =============================================================================
// Provider Errors
// =============================================================================

// Provider error codes. The receiver and engine branch on these; the
// adapter owns the mapping from raw provider responses.
const (
	// ProviderErrSyncRequired: the delta cursor can no longer be resumed
	// from; a full baseline fetch is required. Part of the protocol, not a
	// fault.
	ProviderErrSyncRequired = "SYNC_REQUIRED"

	// ProviderErrAuthRevoked: the provider rejected our authorization for
	// the watched resource. Terminal until re-auth.
	ProviderErrAuthRevoked = "AUTH_REVOKED"

	// ProviderErrNotFound: the watched resource no longer exists upstream.
	ProviderErrNotFound = "NOT_FOUND"

	// ProviderErrTransient: network/timeout/5xx; safe to retry.
	ProviderErrTransient = "TRANSIENT"
)

// ProviderError is a classified provider failure.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return "provider: " + e.Message + ": " + e.Err.Error()
	}
	return "provider: " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderErr reports whether err is a ProviderError with the given code.
func IsProviderErr(err error, code string) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Code == code
}

// AsProviderError unwraps err into a ProviderError if possible.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClientType selects the OAuth client used to authenticate against the
// provider for this integration. Closed set; the sync engine only passes
// it through to the credential resolver.
type ClientType string

const (
	ClientTypeWeb     ClientType = "web"
	ClientTypeMobile  ClientType = "mobile"
	ClientTypeService ClientType = "service"
)

// ParseClientType validates a stored client type value.
func ParseClientType(s string) (ClientType, error) {
	switch ClientType(s) {
	case ClientTypeWeb, ClientTypeMobile, ClientTypeService:
		return ClientType(s), nil
	default:
		return "", fmt.Errorf("unknown client type: %q", s)
	}
}

// DisableReason explains why sync was paused for an integration.
type DisableReason string

const (
	DisableReasonNeedsReauth DisableReason = "needs_reauth"
	DisableReasonConfig      DisableReason = "config_error"
)

// ColorPalette is the provider's event color metadata, cached per
// integration and used to enrich applied events.
type ColorPalette map[string]ColorDefinition

// ColorDefinition holds one palette entry.
type ColorDefinition struct {
	Background string `json:"background"`
	Foreground string `json:"foreground"`
}

// CalendarIntegration represents a user's link to one external calendar.
//
// SyncToken is the opaque delta cursor; empty means no baseline has been
// established yet. PageToken is only non-empty while a multi-page sync is
// mid-flight; a completed pass clears it and advances SyncToken to the
// final page's token.
type CalendarIntegration struct {
	ID         int64      `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	CalendarID string     `json:"calendar_id"`
	ClientType ClientType `json:"client_type"`

	SyncToken string `json:"-"`
	PageToken string `json:"-"`

	// Enabled is false once the calendar was deleted upstream. SyncEnabled
	// is false while the integration awaits re-authorization; the link
	// itself still exists.
	Enabled     bool `json:"enabled"`
	SyncEnabled bool `json:"sync_enabled"`

	Colors     ColorPalette `json:"colors,omitempty"`
	LastSyncAt time.Time    `json:"last_sync_at,omitempty"`
	LastError  string       `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Syncable reports whether a sync pass may run for this integration.
func (i *CalendarIntegration) Syncable() bool {
	return i.Enabled && i.SyncEnabled
}

// MidResync reports whether a paged sync is in flight.
func (i *CalendarIntegration) MidResync() bool {
	return i.PageToken != ""
}

// IntegrationRepository defines calendar integration persistence.
type IntegrationRepository interface {
	GetByID(ctx context.Context, id int64) (*CalendarIntegration, error)
	GetByCalendarID(ctx context.Context, userID uuid.UUID, calendarID string) (*CalendarIntegration, error)
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]*CalendarIntegration, error)
	Create(ctx context.Context, integration *CalendarIntegration) error
	Update(ctx context.Context, integration *CalendarIntegration) error

	// UpdateCursor persists the delta cursor state in one write. An empty
	// value clears the corresponding column.
	UpdateCursor(ctx context.Context, id int64, syncToken, pageToken string) error

	UpdateColors(ctx context.Context, id int64, colors ColorPalette) error
	SetSyncEnabled(ctx context.Context, id int64, enabled bool, reason string) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	Delete(ctx context.Context, id int64) error
}

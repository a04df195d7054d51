package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RenewalLead is how far ahead of expiration a channel becomes eligible
// for renewal.
const RenewalLead = 24 * time.Hour

// WatchChannel represents one active provider push-notification
// subscription for a single calendar. The channel token is a caller-chosen
// secret the provider echoes back on every notification; inbound messages
// are authenticated against it.
type WatchChannel struct {
	ID            int64     `json:"id"`
	ChannelID     string    `json:"channel_id"`
	CalendarID    string    `json:"calendar_id"`
	UserID        uuid.UUID `json:"user_id"`
	IntegrationID int64     `json:"integration_id"`

	Token       string `json:"-"` // never serialized outward
	ResourceID  string `json:"resource_id,omitempty"`
	ResourceURI string `json:"resource_uri,omitempty"`

	Expiration time.Time `json:"expiration"`
	Superseded bool      `json:"superseded"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsExpired checks if the channel has passed its expiration.
func (c *WatchChannel) IsExpired() bool {
	return time.Now().After(c.Expiration)
}

// NeedsRenewal checks if the channel is within the renewal lead window.
func (c *WatchChannel) NeedsRenewal() bool {
	return time.Now().Add(RenewalLead).After(c.Expiration)
}

// IsActive reports whether this channel is the live subscription for its
// calendar. At most one active channel may exist per calendar at any time.
func (c *WatchChannel) IsActive() bool {
	return !c.Superseded && !c.IsExpired()
}

// ChannelRepository defines watch channel persistence operations.
type ChannelRepository interface {
	Create(ctx context.Context, ch *WatchChannel) error
	GetByChannelID(ctx context.Context, channelID string) (*WatchChannel, error)
	GetActiveByCalendarID(ctx context.Context, calendarID string) (*WatchChannel, error)
	ListByIntegrationID(ctx context.Context, integrationID int64) ([]*WatchChannel, error)
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]*WatchChannel, error)

	// ListExpiring returns non-superseded channels whose expiration is
	// before the given time, oldest first. Includes channels that have
	// already lapsed; they still need a replacement.
	ListExpiring(ctx context.Context, before time.Time) ([]*WatchChannel, error)

	// Supersede marks the channel as replaced. The replacement must already
	// be durably stored before this is called.
	Supersede(ctx context.Context, id int64) error

	Delete(ctx context.Context, id int64) error

	// DeleteSuperseded removes superseded rows older than the given time.
	DeleteSuperseded(ctx context.Context, olderThan time.Time) (int64, error)
}

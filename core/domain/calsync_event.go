package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

// CalendarEvent is the locally persisted copy of a provider event.
//
// Revision is the provider's own per-item revision (its last-updated time
// in unix milliseconds); upserts are last-write-wins on Revision, never on
// local arrival order, so replaying a delta page is harmless.
type CalendarEvent struct {
	ID            int64     `json:"id"`
	IntegrationID int64     `json:"integration_id"`
	UserID        uuid.UUID `json:"user_id"`
	ProviderID    string    `json:"provider_id"`

	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Location    *string `json:"location,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	IsAllDay  bool      `json:"is_all_day"`
	Timezone  string    `json:"timezone"`

	Status    EventStatus `json:"status"`
	Organizer *string     `json:"organizer,omitempty"`
	Attendees []string    `json:"attendees,omitempty"`
	Color     *string     `json:"color,omitempty"`

	Revision int64 `json:"revision"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventRepository defines local event persistence. Both mutations are
// idempotent: Upsert keeps the row with the highest revision, and deleting
// an absent event is a no-op.
type EventRepository interface {
	Upsert(ctx context.Context, event *CalendarEvent) error
	DeleteByProviderID(ctx context.Context, integrationID int64, providerID string) error
	GetByProviderID(ctx context.Context, integrationID int64, providerID string) (*CalendarEvent, error)
	ListByIntegrationID(ctx context.Context, integrationID int64) ([]*CalendarEvent, error)
	DeleteByIntegrationID(ctx context.Context, integrationID int64) (int64, error)
}

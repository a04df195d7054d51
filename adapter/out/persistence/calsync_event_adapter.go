package persistence

import (
	"context"
	"database/sql"
	"time"

	"calsync_server/core/domain"
	"calsync_server/pkg/apperr"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// EventAdapter implements domain.EventRepository using PostgreSQL.
type EventAdapter struct {
	db *sqlx.DB
}

// NewEventAdapter creates a new EventAdapter.
func NewEventAdapter(db *sqlx.DB) *EventAdapter {
	return &EventAdapter{db: db}
}

// eventRow represents the database row for a calendar event.
type eventRow struct {
	ID            int64          `db:"id"`
	IntegrationID int64          `db:"integration_id"`
	UserID        uuid.UUID      `db:"user_id"`
	ProviderID    string         `db:"provider_id"`
	Title         string         `db:"title"`
	Description   sql.NullString `db:"description"`
	Location      sql.NullString `db:"location"`
	StartTime     time.Time      `db:"start_time"`
	EndTime       time.Time      `db:"end_time"`
	IsAllDay      bool           `db:"is_all_day"`
	Timezone      sql.NullString `db:"timezone"`
	Status        string         `db:"status"`
	Organizer     sql.NullString `db:"organizer"`
	Attendees     pq.StringArray `db:"attendees"`
	Color         sql.NullString `db:"color"`
	Revision      int64          `db:"revision"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r *eventRow) toEntity() *domain.CalendarEvent {
	event := &domain.CalendarEvent{
		ID:            r.ID,
		IntegrationID: r.IntegrationID,
		UserID:        r.UserID,
		ProviderID:    r.ProviderID,
		Title:         r.Title,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		IsAllDay:      r.IsAllDay,
		Status:        domain.EventStatus(r.Status),
		Attendees:     []string(r.Attendees),
		Revision:      r.Revision,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}

	if r.Description.Valid {
		event.Description = &r.Description.String
	}
	if r.Location.Valid {
		event.Location = &r.Location.String
	}
	if r.Timezone.Valid {
		event.Timezone = r.Timezone.String
	}
	if r.Organizer.Valid {
		event.Organizer = &r.Organizer.String
	}
	if r.Color.Valid {
		event.Color = &r.Color.String
	}

	return event
}

// Upsert writes an event keyed by (integration_id, provider_id). The
// revision guard makes replays harmless: a stale row never overwrites a
// newer one, equal revisions rewrite identical data.
func (a *EventAdapter) Upsert(ctx context.Context, event *domain.CalendarEvent) error {
	query := `
		INSERT INTO calendar_events (
			integration_id, user_id, provider_id, title,
			description, location, start_time, end_time,
			is_all_day, timezone, status, organizer,
			attendees, color, revision
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, NULLIF($10, ''), $11, $12,
			$13, $14, $15
		)
		ON CONFLICT (integration_id, provider_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			location = EXCLUDED.location,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			is_all_day = EXCLUDED.is_all_day,
			timezone = EXCLUDED.timezone,
			status = EXCLUDED.status,
			organizer = EXCLUDED.organizer,
			attendees = EXCLUDED.attendees,
			color = EXCLUDED.color,
			revision = EXCLUDED.revision,
			updated_at = NOW()
		WHERE EXCLUDED.revision >= calendar_events.revision
		RETURNING id, created_at, updated_at
	`

	err := a.db.QueryRowxContext(ctx, query,
		event.IntegrationID, event.UserID, event.ProviderID, event.Title,
		event.Description, event.Location, event.StartTime, event.EndTime,
		event.IsAllDay, event.Timezone, string(event.Status), event.Organizer,
		pq.Array(event.Attendees), event.Color, event.Revision,
	).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		// No row returned means the guard rejected a stale revision. Not an
		// error.
		if err == sql.ErrNoRows {
			return nil
		}
		return apperr.DatabaseError("upsert calendar event", err)
	}

	return nil
}

// DeleteByProviderID removes an event; deleting an absent event is a
// no-op.
func (a *EventAdapter) DeleteByProviderID(ctx context.Context, integrationID int64, providerID string) error {
	query := `DELETE FROM calendar_events WHERE integration_id = $1 AND provider_id = $2`

	if _, err := a.db.ExecContext(ctx, query, integrationID, providerID); err != nil {
		return apperr.DatabaseError("delete calendar event", err)
	}
	return nil
}

// GetByProviderID looks up one event.
func (a *EventAdapter) GetByProviderID(ctx context.Context, integrationID int64, providerID string) (*domain.CalendarEvent, error) {
	query := `SELECT * FROM calendar_events WHERE integration_id = $1 AND provider_id = $2`

	var row eventRow
	err := a.db.QueryRowxContext(ctx, query, integrationID, providerID).StructScan(&row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperr.DatabaseError("get calendar event", err)
	}

	return row.toEntity(), nil
}

// ListByIntegrationID lists all locally stored events for an integration.
func (a *EventAdapter) ListByIntegrationID(ctx context.Context, integrationID int64) ([]*domain.CalendarEvent, error) {
	query := `SELECT * FROM calendar_events WHERE integration_id = $1 ORDER BY start_time ASC`

	var rows []eventRow
	if err := a.db.SelectContext(ctx, &rows, query, integrationID); err != nil {
		return nil, apperr.DatabaseError("list calendar events", err)
	}

	events := make([]*domain.CalendarEvent, len(rows))
	for i := range rows {
		events[i] = rows[i].toEntity()
	}
	return events, nil
}

// DeleteByIntegrationID removes all events for an integration.
func (a *EventAdapter) DeleteByIntegrationID(ctx context.Context, integrationID int64) (int64, error) {
	query := `DELETE FROM calendar_events WHERE integration_id = $1`

	result, err := a.db.ExecContext(ctx, query, integrationID)
	if err != nil {
		return 0, apperr.DatabaseError("delete calendar events", err)
	}

	n, _ := result.RowsAffected()
	return n, nil
}

// Ensure interface compliance
var _ domain.EventRepository = (*EventAdapter)(nil)

// Package persistence implements PostgreSQL adapters for the domain
// repositories.
package persistence

import (
	"context"
	"database/sql"
	"time"

	"calsync_server/core/domain"
	"calsync_server/pkg/apperr"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ChannelAdapter implements domain.ChannelRepository using PostgreSQL.
type ChannelAdapter struct {
	db *sqlx.DB
}

// NewChannelAdapter creates a new ChannelAdapter.
func NewChannelAdapter(db *sqlx.DB) *ChannelAdapter {
	return &ChannelAdapter{db: db}
}

// channelRow represents the database row for a watch channel.
type channelRow struct {
	ID            int64          `db:"id"`
	ChannelID     string         `db:"channel_id"`
	CalendarID    string         `db:"calendar_id"`
	UserID        uuid.UUID      `db:"user_id"`
	IntegrationID int64          `db:"integration_id"`
	Token         string         `db:"token"`
	ResourceID    sql.NullString `db:"resource_id"`
	ResourceURI   sql.NullString `db:"resource_uri"`
	Expiration    time.Time      `db:"expiration"`
	Superseded    bool           `db:"superseded"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r *channelRow) toEntity() *domain.WatchChannel {
	ch := &domain.WatchChannel{
		ID:            r.ID,
		ChannelID:     r.ChannelID,
		CalendarID:    r.CalendarID,
		UserID:        r.UserID,
		IntegrationID: r.IntegrationID,
		Token:         r.Token,
		Expiration:    r.Expiration,
		Superseded:    r.Superseded,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}

	if r.ResourceID.Valid {
		ch.ResourceID = r.ResourceID.String
	}
	if r.ResourceURI.Valid {
		ch.ResourceURI = r.ResourceURI.String
	}

	return ch
}

// Create inserts a new watch channel.
func (a *ChannelAdapter) Create(ctx context.Context, ch *domain.WatchChannel) error {
	query := `
		INSERT INTO watch_channels (
			channel_id, calendar_id, user_id, integration_id,
			token, resource_id, resource_uri, expiration
		) VALUES (
			$1, $2, $3, $4,
			$5, NULLIF($6, ''), NULLIF($7, ''), $8
		)
		RETURNING id, created_at, updated_at
	`

	err := a.db.QueryRowxContext(ctx, query,
		ch.ChannelID, ch.CalendarID, ch.UserID, ch.IntegrationID,
		ch.Token, ch.ResourceID, ch.ResourceURI, ch.Expiration,
	).Scan(&ch.ID, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return apperr.DatabaseError("create watch channel", err)
	}

	return nil
}

// GetByChannelID looks up a channel by its provider-facing channel ID.
func (a *ChannelAdapter) GetByChannelID(ctx context.Context, channelID string) (*domain.WatchChannel, error) {
	query := `SELECT * FROM watch_channels WHERE channel_id = $1`

	var row channelRow
	err := a.db.QueryRowxContext(ctx, query, channelID).StructScan(&row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperr.DatabaseError("get watch channel", err)
	}

	return row.toEntity(), nil
}

// GetActiveByCalendarID returns the single live channel for a calendar.
func (a *ChannelAdapter) GetActiveByCalendarID(ctx context.Context, calendarID string) (*domain.WatchChannel, error) {
	query := `
		SELECT * FROM watch_channels
		WHERE calendar_id = $1 AND superseded = FALSE AND expiration > NOW()
		ORDER BY expiration DESC
		LIMIT 1`

	var row channelRow
	err := a.db.QueryRowxContext(ctx, query, calendarID).StructScan(&row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperr.DatabaseError("get active watch channel", err)
	}

	return row.toEntity(), nil
}

// ListByIntegrationID lists all channels for an integration.
func (a *ChannelAdapter) ListByIntegrationID(ctx context.Context, integrationID int64) ([]*domain.WatchChannel, error) {
	query := `SELECT * FROM watch_channels WHERE integration_id = $1 ORDER BY created_at DESC`

	var rows []channelRow
	if err := a.db.SelectContext(ctx, &rows, query, integrationID); err != nil {
		return nil, apperr.DatabaseError("list watch channels", err)
	}

	channels := make([]*domain.WatchChannel, len(rows))
	for i := range rows {
		channels[i] = rows[i].toEntity()
	}
	return channels, nil
}

// ListByUserID lists all channels for a user.
func (a *ChannelAdapter) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*domain.WatchChannel, error) {
	query := `SELECT * FROM watch_channels WHERE user_id = $1 ORDER BY created_at DESC`

	var rows []channelRow
	if err := a.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, apperr.DatabaseError("list watch channels", err)
	}

	channels := make([]*domain.WatchChannel, len(rows))
	for i := range rows {
		channels[i] = rows[i].toEntity()
	}
	return channels, nil
}

// ListExpiring returns non-superseded channels expiring before the given
// time. Already-lapsed channels are included: a channel that expired while
// the worker was down still needs a replacement.
func (a *ChannelAdapter) ListExpiring(ctx context.Context, before time.Time) ([]*domain.WatchChannel, error) {
	query := `
		SELECT * FROM watch_channels
		WHERE superseded = FALSE AND expiration < $1
		ORDER BY expiration ASC`

	var rows []channelRow
	if err := a.db.SelectContext(ctx, &rows, query, before); err != nil {
		return nil, apperr.DatabaseError("list expiring watch channels", err)
	}

	channels := make([]*domain.WatchChannel, len(rows))
	for i := range rows {
		channels[i] = rows[i].toEntity()
	}
	return channels, nil
}

// Supersede marks a channel as replaced.
func (a *ChannelAdapter) Supersede(ctx context.Context, id int64) error {
	query := `UPDATE watch_channels SET superseded = TRUE, updated_at = NOW() WHERE id = $1`

	if _, err := a.db.ExecContext(ctx, query, id); err != nil {
		return apperr.DatabaseError("supersede watch channel", err)
	}
	return nil
}

// Delete removes a channel row.
func (a *ChannelAdapter) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM watch_channels WHERE id = $1`

	if _, err := a.db.ExecContext(ctx, query, id); err != nil {
		return apperr.DatabaseError("delete watch channel", err)
	}
	return nil
}

// DeleteSuperseded removes superseded rows older than the given time.
func (a *ChannelAdapter) DeleteSuperseded(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM watch_channels WHERE superseded = TRUE AND updated_at < $1`

	result, err := a.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, apperr.DatabaseError("delete superseded watch channels", err)
	}

	n, _ := result.RowsAffected()
	return n, nil
}

// Ensure interface compliance
var _ domain.ChannelRepository = (*ChannelAdapter)(nil)

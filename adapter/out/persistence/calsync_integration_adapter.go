package persistence

import (
	"context"
	"database/sql"
	"time"

	"calsync_server/core/domain"
	"calsync_server/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// IntegrationAdapter implements domain.IntegrationRepository using
// PostgreSQL.
type IntegrationAdapter struct {
	db *sqlx.DB
}

// NewIntegrationAdapter creates a new IntegrationAdapter.
func NewIntegrationAdapter(db *sqlx.DB) *IntegrationAdapter {
	return &IntegrationAdapter{db: db}
}

// integrationRow represents the database row for a calendar integration.
type integrationRow struct {
	ID          int64          `db:"id"`
	UserID      uuid.UUID      `db:"user_id"`
	CalendarID  string         `db:"calendar_id"`
	ClientType  string         `db:"client_type"`
	SyncToken   sql.NullString `db:"sync_token"`
	PageToken   sql.NullString `db:"page_token"`
	Enabled     bool           `db:"enabled"`
	SyncEnabled bool           `db:"sync_enabled"`
	Colors      []byte         `db:"colors"`
	LastSyncAt  sql.NullTime   `db:"last_sync_at"`
	LastError   sql.NullString `db:"last_error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *integrationRow) toEntity() *domain.CalendarIntegration {
	integration := &domain.CalendarIntegration{
		ID:          r.ID,
		UserID:      r.UserID,
		CalendarID:  r.CalendarID,
		ClientType:  domain.ClientType(r.ClientType),
		Enabled:     r.Enabled,
		SyncEnabled: r.SyncEnabled,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}

	if r.SyncToken.Valid {
		integration.SyncToken = r.SyncToken.String
	}
	if r.PageToken.Valid {
		integration.PageToken = r.PageToken.String
	}
	if r.LastSyncAt.Valid {
		integration.LastSyncAt = r.LastSyncAt.Time
	}
	if r.LastError.Valid {
		integration.LastError = r.LastError.String
	}
	if len(r.Colors) > 0 {
		var palette domain.ColorPalette
		if err := json.Unmarshal(r.Colors, &palette); err == nil {
			integration.Colors = palette
		}
	}

	return integration
}

// GetByID gets an integration by primary key.
func (a *IntegrationAdapter) GetByID(ctx context.Context, id int64) (*domain.CalendarIntegration, error) {
	query := `SELECT * FROM calendar_integrations WHERE id = $1`

	var row integrationRow
	err := a.db.QueryRowxContext(ctx, query, id).StructScan(&row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("calendar integration")
		}
		return nil, apperr.DatabaseError("get calendar integration", err)
	}

	return row.toEntity(), nil
}

// GetByCalendarID gets a user's integration for a calendar.
func (a *IntegrationAdapter) GetByCalendarID(ctx context.Context, userID uuid.UUID, calendarID string) (*domain.CalendarIntegration, error) {
	query := `SELECT * FROM calendar_integrations WHERE user_id = $1 AND calendar_id = $2`

	var row integrationRow
	err := a.db.QueryRowxContext(ctx, query, userID, calendarID).StructScan(&row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("calendar integration")
		}
		return nil, apperr.DatabaseError("get calendar integration", err)
	}

	return row.toEntity(), nil
}

// ListByUserID lists all of a user's integrations.
func (a *IntegrationAdapter) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*domain.CalendarIntegration, error) {
	query := `SELECT * FROM calendar_integrations WHERE user_id = $1 ORDER BY created_at DESC`

	var rows []integrationRow
	if err := a.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, apperr.DatabaseError("list calendar integrations", err)
	}

	integrations := make([]*domain.CalendarIntegration, len(rows))
	for i := range rows {
		integrations[i] = rows[i].toEntity()
	}
	return integrations, nil
}

// Create inserts a new integration.
func (a *IntegrationAdapter) Create(ctx context.Context, integration *domain.CalendarIntegration) error {
	colors, err := marshalColors(integration.Colors)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO calendar_integrations (
			user_id, calendar_id, client_type,
			sync_token, page_token, enabled, sync_enabled, colors
		) VALUES (
			$1, $2, $3,
			NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8
		)
		RETURNING id, created_at, updated_at
	`

	err = a.db.QueryRowxContext(ctx, query,
		integration.UserID, integration.CalendarID, string(integration.ClientType),
		integration.SyncToken, integration.PageToken,
		integration.Enabled, integration.SyncEnabled, colors,
	).Scan(&integration.ID, &integration.CreatedAt, &integration.UpdatedAt)
	if err != nil {
		return apperr.DatabaseError("create calendar integration", err)
	}

	return nil
}

// Update writes the mutable integration fields.
func (a *IntegrationAdapter) Update(ctx context.Context, integration *domain.CalendarIntegration) error {
	query := `
		UPDATE calendar_integrations SET
			enabled = $2,
			sync_enabled = $3,
			last_sync_at = $4,
			last_error = NULLIF($5, ''),
			updated_at = NOW()
		WHERE id = $1`

	var lastSyncAt sql.NullTime
	if !integration.LastSyncAt.IsZero() {
		lastSyncAt = sql.NullTime{Time: integration.LastSyncAt, Valid: true}
	}

	if _, err := a.db.ExecContext(ctx, query,
		integration.ID, integration.Enabled, integration.SyncEnabled,
		lastSyncAt, integration.LastError,
	); err != nil {
		return apperr.DatabaseError("update calendar integration", err)
	}
	return nil
}

// UpdateCursor persists the delta cursor state in one write.
func (a *IntegrationAdapter) UpdateCursor(ctx context.Context, id int64, syncToken, pageToken string) error {
	query := `
		UPDATE calendar_integrations SET
			sync_token = NULLIF($2, ''),
			page_token = NULLIF($3, ''),
			updated_at = NOW()
		WHERE id = $1`

	if _, err := a.db.ExecContext(ctx, query, id, syncToken, pageToken); err != nil {
		return apperr.DatabaseError("update sync cursor", err)
	}
	return nil
}

// UpdateColors caches the provider color palette.
func (a *IntegrationAdapter) UpdateColors(ctx context.Context, id int64, colors domain.ColorPalette) error {
	data, err := marshalColors(colors)
	if err != nil {
		return err
	}

	query := `UPDATE calendar_integrations SET colors = $2, updated_at = NOW() WHERE id = $1`

	if _, err := a.db.ExecContext(ctx, query, id, data); err != nil {
		return apperr.DatabaseError("update color palette", err)
	}
	return nil
}

// SetSyncEnabled flips the sync flag and records the reason.
func (a *IntegrationAdapter) SetSyncEnabled(ctx context.Context, id int64, enabled bool, reason string) error {
	query := `
		UPDATE calendar_integrations SET
			sync_enabled = $2,
			last_error = NULLIF($3, ''),
			updated_at = NOW()
		WHERE id = $1`

	if _, err := a.db.ExecContext(ctx, query, id, enabled, reason); err != nil {
		return apperr.DatabaseError("set sync enabled", err)
	}
	return nil
}

// SetEnabled flips the integration-level enabled flag.
func (a *IntegrationAdapter) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	query := `UPDATE calendar_integrations SET enabled = $2, updated_at = NOW() WHERE id = $1`

	if _, err := a.db.ExecContext(ctx, query, id, enabled); err != nil {
		return apperr.DatabaseError("set enabled", err)
	}
	return nil
}

// Delete removes an integration row.
func (a *IntegrationAdapter) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM calendar_integrations WHERE id = $1`

	if _, err := a.db.ExecContext(ctx, query, id); err != nil {
		return apperr.DatabaseError("delete calendar integration", err)
	}
	return nil
}

func marshalColors(colors domain.ColorPalette) ([]byte, error) {
	if len(colors) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(colors)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternalError, "failed to encode color palette", 500)
	}
	return data, nil
}

// Ensure interface compliance
var _ domain.IntegrationRepository = (*IntegrationAdapter)(nil)

// Package sync implements token-based incremental synchronization of
// calendar events from the provider into local storage.
package sync

import (
	"context"
	"fmt"
	"time"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"

	"golang.org/x/oauth2"
)

// Outcome classifies the result of one sync invocation.
type Outcome string

const (
	// OutcomeApplied: changes were fetched and applied (possibly zero).
	OutcomeApplied Outcome = "applied"
	// OutcomeDisabled: the integration was disabled during this pass.
	OutcomeDisabled Outcome = "disabled"
	// OutcomeDeleted: the calendar no longer exists upstream.
	OutcomeDeleted Outcome = "deleted"
)

// SyncResult summarizes one sync invocation.
type SyncResult struct {
	Outcome Outcome
	Applied int  // events upserted or deleted locally
	Pages   int  // provider pages consumed
	More    bool // true when the page budget ran out mid-pass
	Reason  domain.DisableReason
}

// Engine runs delta sync passes. An invocation consumes at most MaxPages
// provider pages; an interrupted pass leaves the page cursor persisted so
// the next invocation resumes where it stopped.
type Engine struct {
	integrations domain.IntegrationRepository
	events       domain.EventRepository
	provider     out.CalendarProviderPort
	credentials  out.CredentialResolverPort
	state        *StateController
	log          *logger.Logger

	maxPages int
	pageSize int
}

// NewEngine creates a delta sync engine.
func NewEngine(
	integrations domain.IntegrationRepository,
	events domain.EventRepository,
	provider out.CalendarProviderPort,
	credentials out.CredentialResolverPort,
	state *StateController,
	maxPages, pageSize int,
) *Engine {
	if maxPages <= 0 {
		maxPages = 10
	}
	if pageSize <= 0 {
		pageSize = 250
	}
	return &Engine{
		integrations: integrations,
		events:       events,
		provider:     provider,
		credentials:  credentials,
		state:        state,
		log:          logger.Default().WithField("component", "delta_engine"),
		maxPages:     maxPages,
		pageSize:     pageSize,
	}
}

// Sync runs one delta pass for an integration.
//
// Cursor discipline: while pages remain, only the page token advances; the
// sync token is replaced only when the provider hands back the next one on
// the final page, and the page token is cleared in the same write. A
// SYNC_REQUIRED response clears both cursors and restarts the pass as a
// full baseline fetch, without touching the enabled flags.
func (e *Engine) Sync(ctx context.Context, integration *domain.CalendarIntegration) (*SyncResult, error) {
	if !integration.Enabled {
		// The upstream calendar is gone; nothing to fetch, ever.
		return &SyncResult{Outcome: OutcomeDeleted}, nil
	}

	if integration.ClientType == "" {
		err := apperr.ConfigError(fmt.Sprintf("integration %d has no client type", integration.ID))
		if dErr := e.state.Disable(ctx, integration.ID, domain.DisableReasonConfig); dErr != nil {
			e.log.WithError(dErr).Error("failed to disable misconfigured integration %d", integration.ID)
		}
		return &SyncResult{Outcome: OutcomeDisabled, Reason: domain.DisableReasonConfig}, err
	}

	token, err := e.credentials.ResolveToken(ctx, integration.UserID, integration.CalendarID, integration.ClientType)
	if err != nil {
		if out.IsProviderErr(err, out.ProviderErrAuthRevoked) {
			return e.handleAuthRevoked(ctx, integration, err)
		}
		return nil, err
	}

	// Palette refresh is best-effort; events fall back to the cached copy.
	if colors, cErr := e.provider.GetColors(ctx, token); cErr == nil {
		integration.Colors = colors
		if uErr := e.integrations.UpdateColors(ctx, integration.ID, colors); uErr != nil {
			e.log.WithError(uErr).Warn("failed to cache color palette for integration %d", integration.ID)
		}
	}

	result, err := e.runPages(ctx, integration, token)
	if err != nil || result.Outcome != OutcomeApplied {
		return result, err
	}

	now := time.Now()
	integration.LastSyncAt = now
	integration.LastError = ""
	if uErr := e.integrations.Update(ctx, integration); uErr != nil {
		e.log.WithError(uErr).Warn("failed to record sync completion for integration %d", integration.ID)
	}

	return result, nil
}

func (e *Engine) runPages(ctx context.Context, integration *domain.CalendarIntegration, token *oauth2.Token) (*SyncResult, error) {
	result := &SyncResult{Outcome: OutcomeApplied}
	syncToken := integration.SyncToken
	pageToken := integration.PageToken
	fellBack := false

	for result.Pages < e.maxPages {
		page, err := e.provider.ListDelta(ctx, token, &out.DeltaQuery{
			CalendarID: integration.CalendarID,
			SyncToken:  syncToken,
			PageToken:  pageToken,
			MaxResults: e.pageSize,
		})
		if err != nil {
			switch {
			case out.IsProviderErr(err, out.ProviderErrSyncRequired):
				if fellBack {
					// A baseline fetch must never itself demand a baseline.
					return result, apperr.ExternalError("calendar", err)
				}
				fellBack = true
				syncToken, pageToken = "", ""
				if uErr := e.integrations.UpdateCursor(ctx, integration.ID, "", ""); uErr != nil {
					return result, uErr
				}
				e.log.WithField("integration_id", integration.ID).Info("sync cursor invalidated, falling back to full resync")
				continue

			case out.IsProviderErr(err, out.ProviderErrAuthRevoked):
				return e.handleAuthRevoked(ctx, integration, err)

			case out.IsProviderErr(err, out.ProviderErrNotFound):
				if mErr := e.state.MarkDeleted(ctx, integration.ID); mErr != nil {
					e.log.WithError(mErr).Error("failed to mark integration %d deleted", integration.ID)
				}
				result.Outcome = OutcomeDeleted
				return result, nil

			default:
				return result, err
			}
		}

		applied := e.applyPage(ctx, integration, page)
		result.Applied += applied
		result.Pages++

		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
			// Persist mid-flight so an interrupted pass resumes at this page.
			if uErr := e.integrations.UpdateCursor(ctx, integration.ID, syncToken, pageToken); uErr != nil {
				return result, uErr
			}
			continue
		}

		// Final page: advance the sync token and clear the page cursor in
		// one write.
		if uErr := e.integrations.UpdateCursor(ctx, integration.ID, page.NextSyncToken, ""); uErr != nil {
			return result, uErr
		}
		integration.SyncToken = page.NextSyncToken
		integration.PageToken = ""
		e.log.WithFields(map[string]any{
			"integration_id": integration.ID,
			"applied":        result.Applied,
			"pages":          result.Pages,
		}).Info("sync pass complete")
		return result, nil
	}

	// Page budget exhausted mid-pass. Cursor state is already persisted;
	// the caller decides whether to reschedule.
	integration.SyncToken = syncToken
	integration.PageToken = pageToken
	result.More = true
	e.log.WithFields(map[string]any{
		"integration_id": integration.ID,
		"applied":        result.Applied,
		"pages":          result.Pages,
	}).Info("sync pass paused at page budget")
	return result, nil
}

// applyPage upserts and deletes one page of changes. Per-event failures
// are logged and skipped; a replayed page repairs them.
func (e *Engine) applyPage(ctx context.Context, integration *domain.CalendarIntegration, page *out.DeltaPage) int {
	applied := 0

	for _, pe := range page.Events {
		event := e.toEvent(integration, pe)
		if err := e.events.Upsert(ctx, event); err != nil {
			e.log.WithError(err).Error("failed to upsert event %s for integration %d", pe.ID, integration.ID)
			continue
		}
		applied++
	}

	for _, providerID := range page.DeletedIDs {
		if err := e.events.DeleteByProviderID(ctx, integration.ID, providerID); err != nil {
			e.log.WithError(err).Error("failed to delete event %s for integration %d", providerID, integration.ID)
			continue
		}
		applied++
	}

	return applied
}

func (e *Engine) toEvent(integration *domain.CalendarIntegration, pe *out.ProviderEvent) *domain.CalendarEvent {
	event := &domain.CalendarEvent{
		IntegrationID: integration.ID,
		UserID:        integration.UserID,
		ProviderID:    pe.ID,
		Title:         pe.Title,
		StartTime:     pe.StartTime,
		EndTime:       pe.EndTime,
		IsAllDay:      pe.IsAllDay,
		Timezone:      pe.Timezone,
		Status:        domain.EventStatus(pe.Status),
		Attendees:     pe.Attendees,
		Revision:      pe.Revision,
	}
	if pe.Description != "" {
		event.Description = &pe.Description
	}
	if pe.Location != "" {
		event.Location = &pe.Location
	}
	if pe.OrganizerEmail != "" {
		event.Organizer = &pe.OrganizerEmail
	}
	if pe.ColorID != "" {
		if def, ok := integration.Colors[pe.ColorID]; ok {
			event.Color = &def.Background
		}
	}
	return event
}

func (e *Engine) handleAuthRevoked(ctx context.Context, integration *domain.CalendarIntegration, cause error) (*SyncResult, error) {
	if err := e.state.Disable(ctx, integration.ID, domain.DisableReasonNeedsReauth); err != nil {
		e.log.WithError(err).Error("failed to disable integration %d after auth revocation", integration.ID)
		return nil, err
	}
	e.log.WithError(cause).Warn("authorization revoked for integration %d", integration.ID)
	return &SyncResult{Outcome: OutcomeDisabled, Reason: domain.DisableReasonNeedsReauth}, nil
}

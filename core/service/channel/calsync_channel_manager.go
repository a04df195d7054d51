// Package channel manages the lifecycle of provider watch channels:
// creation, renewal ahead of expiration, and teardown.
package channel

import (
	"context"
	"time"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"

	"github.com/google/uuid"
)

// supersededRetention is how long superseded channel rows are kept before
// the sweep deletes them. Late notifications for a superseded channel still
// resolve during this window.
const supersededRetention = 48 * time.Hour

// Manager owns watch channel lifecycle.
type Manager struct {
	channels     domain.ChannelRepository
	integrations domain.IntegrationRepository
	provider     out.CalendarProviderPort
	credentials  out.CredentialResolverPort
	log          *logger.Logger

	webhookAddress string
	watchTTL       time.Duration
}

// NewManager creates a channel lifecycle manager.
func NewManager(
	channels domain.ChannelRepository,
	integrations domain.IntegrationRepository,
	provider out.CalendarProviderPort,
	credentials out.CredentialResolverPort,
	webhookAddress string,
	watchTTL time.Duration,
) *Manager {
	return &Manager{
		channels:       channels,
		integrations:   integrations,
		provider:       provider,
		credentials:    credentials,
		log:            logger.Default().WithField("component", "channel_manager"),
		webhookAddress: webhookAddress,
		watchTTL:       watchTTL,
	}
}

// CreateChannel registers a new watch channel for an integration's
// calendar. Channel ID and token are generated here, never provider- or
// caller-supplied. Nothing is persisted if provider registration fails.
func (m *Manager) CreateChannel(ctx context.Context, integration *domain.CalendarIntegration) (*domain.WatchChannel, error) {
	if existing, err := m.channels.GetActiveByCalendarID(ctx, integration.CalendarID); err == nil && existing != nil {
		return nil, apperr.Conflict("calendar already has an active watch channel").
			WithDetail("calendar_id", integration.CalendarID)
	}

	token, err := m.credentials.ResolveToken(ctx, integration.UserID, integration.CalendarID, integration.ClientType)
	if err != nil {
		return nil, err
	}

	ch := &domain.WatchChannel{
		ChannelID:     uuid.New().String(),
		CalendarID:    integration.CalendarID,
		UserID:        integration.UserID,
		IntegrationID: integration.ID,
		Token:         uuid.New().String(),
	}

	result, err := m.provider.CreateWatch(ctx, token, &out.WatchRequest{
		CalendarID: integration.CalendarID,
		ChannelID:  ch.ChannelID,
		Token:      ch.Token,
		Address:    m.webhookAddress,
		TTL:        m.watchTTL,
	})
	if err != nil {
		return nil, err
	}

	ch.ResourceID = result.ResourceID
	ch.ResourceURI = result.ResourceURI
	ch.Expiration = result.Expiration

	if err := m.channels.Create(ctx, ch); err != nil {
		// Registered upstream but not stored: tear down so the provider does
		// not keep pushing to a channel we cannot resolve.
		if stopErr := m.provider.StopWatch(ctx, token, ch.ChannelID, ch.ResourceID); stopErr != nil {
			m.log.WithError(stopErr).Warn("failed to stop orphaned channel %s", ch.ChannelID)
		}
		return nil, err
	}

	m.log.WithFields(map[string]any{
		"channel_id":  ch.ChannelID,
		"calendar_id": ch.CalendarID,
		"expiration":  ch.Expiration,
	}).Info("watch channel created")

	return ch, nil
}

// RenewChannel replaces a channel nearing expiration with a fresh one.
//
// Ordering is the whole point: the replacement is registered upstream and
// durably stored before the old channel is touched, so there is never a
// moment with no active subscription. Old-channel teardown is best-effort;
// a failed stop only means the provider keeps a soon-to-expire channel
// alive a little longer.
func (m *Manager) RenewChannel(ctx context.Context, old *domain.WatchChannel) (*domain.WatchChannel, error) {
	integration, err := m.integrations.GetByID(ctx, old.IntegrationID)
	if err != nil {
		return nil, err
	}

	token, err := m.credentials.ResolveToken(ctx, integration.UserID, integration.CalendarID, integration.ClientType)
	if err != nil {
		return nil, err
	}

	fresh := &domain.WatchChannel{
		ChannelID:     uuid.New().String(),
		CalendarID:    old.CalendarID,
		UserID:        old.UserID,
		IntegrationID: old.IntegrationID,
		Token:         uuid.New().String(),
	}

	result, err := m.provider.CreateWatch(ctx, token, &out.WatchRequest{
		CalendarID: fresh.CalendarID,
		ChannelID:  fresh.ChannelID,
		Token:      fresh.Token,
		Address:    m.webhookAddress,
		TTL:        m.watchTTL,
	})
	if err != nil {
		return nil, err
	}

	fresh.ResourceID = result.ResourceID
	fresh.ResourceURI = result.ResourceURI
	fresh.Expiration = result.Expiration

	if err := m.channels.Create(ctx, fresh); err != nil {
		if stopErr := m.provider.StopWatch(ctx, token, fresh.ChannelID, fresh.ResourceID); stopErr != nil {
			m.log.WithError(stopErr).Warn("failed to stop orphaned channel %s", fresh.ChannelID)
		}
		return nil, err
	}

	if err := m.channels.Supersede(ctx, old.ID); err != nil {
		// The new channel is live; the old row will be caught by the next
		// sweep. Do not fail the renewal.
		m.log.WithError(err).Warn("failed to mark channel %s superseded", old.ChannelID)
	}

	if err := m.provider.StopWatch(ctx, token, old.ChannelID, old.ResourceID); err != nil {
		m.log.WithError(err).Warn("failed to stop old channel %s, it will lapse at expiration", old.ChannelID)
	}

	m.log.WithFields(map[string]any{
		"old_channel_id": old.ChannelID,
		"new_channel_id": fresh.ChannelID,
		"calendar_id":    fresh.CalendarID,
		"expiration":     fresh.Expiration,
	}).Info("watch channel renewed")

	return fresh, nil
}

// DeleteChannel stops a channel upstream and removes it locally. The local
// delete happens even when the upstream stop fails, since a channel the
// provider has already expired returns NOT_FOUND.
func (m *Manager) DeleteChannel(ctx context.Context, ch *domain.WatchChannel) error {
	integration, err := m.integrations.GetByID(ctx, ch.IntegrationID)
	if err == nil {
		token, tokenErr := m.credentials.ResolveToken(ctx, integration.UserID, integration.CalendarID, integration.ClientType)
		if tokenErr == nil {
			if stopErr := m.provider.StopWatch(ctx, token, ch.ChannelID, ch.ResourceID); stopErr != nil && !out.IsProviderErr(stopErr, out.ProviderErrNotFound) {
				m.log.WithError(stopErr).Warn("failed to stop channel %s upstream", ch.ChannelID)
			}
		}
	}

	return m.channels.Delete(ctx, ch.ID)
}

// RenewExpiring renews every active channel inside the renewal lead
// window and prunes old superseded rows. One channel failing does not
// stop the sweep. Returns the number of channels renewed.
func (m *Manager) RenewExpiring(ctx context.Context) (int, error) {
	expiring, err := m.channels.ListExpiring(ctx, time.Now().Add(domain.RenewalLead))
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, ch := range expiring {
		if _, err := m.RenewChannel(ctx, ch); err != nil {
			m.log.WithError(err).Error("failed to renew channel %s", ch.ChannelID)
			continue
		}
		renewed++
	}

	if pruned, err := m.channels.DeleteSuperseded(ctx, time.Now().Add(-supersededRetention)); err != nil {
		m.log.WithError(err).Warn("failed to prune superseded channels")
	} else if pruned > 0 {
		m.log.Info("pruned %d superseded channels", pruned)
	}

	return renewed, nil
}

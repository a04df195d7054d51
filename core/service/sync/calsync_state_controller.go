package sync

import (
	"context"

	"calsync_server/core/domain"
	"calsync_server/pkg/logger"
)

// channelRemover is the slice of the channel manager the state controller
// needs when an integration's upstream calendar disappears.
type channelRemover interface {
	DeleteChannel(ctx context.Context, ch *domain.WatchChannel) error
}

// StateController applies integration state transitions that the sync
// engine decides on but does not own.
type StateController struct {
	integrations domain.IntegrationRepository
	channels     domain.ChannelRepository
	remover      channelRemover
	log          *logger.Logger
}

// NewStateController creates a state controller.
func NewStateController(
	integrations domain.IntegrationRepository,
	channels domain.ChannelRepository,
	remover channelRemover,
) *StateController {
	return &StateController{
		integrations: integrations,
		channels:     channels,
		remover:      remover,
		log:          logger.Default().WithField("component", "state_controller"),
	}
}

// Disable pauses sync for an integration without deleting anything. The
// link survives; a later re-authorization flips sync back on.
func (s *StateController) Disable(ctx context.Context, integrationID int64, reason domain.DisableReason) error {
	if err := s.integrations.SetSyncEnabled(ctx, integrationID, false, string(reason)); err != nil {
		return err
	}
	s.log.WithFields(map[string]any{
		"integration_id": integrationID,
		"reason":         string(reason),
	}).Warn("integration sync disabled")
	return nil
}

// Enable resumes sync for an integration, clearing the recorded reason.
func (s *StateController) Enable(ctx context.Context, integrationID int64) error {
	return s.integrations.SetSyncEnabled(ctx, integrationID, true, "")
}

// MarkDeleted handles an upstream calendar that no longer exists: the
// integration is disabled and its watch channels are torn down. Local
// events are kept; only the link to the vanished calendar is severed.
func (s *StateController) MarkDeleted(ctx context.Context, integrationID int64) error {
	if err := s.integrations.SetEnabled(ctx, integrationID, false); err != nil {
		return err
	}

	channels, err := s.channels.ListByIntegrationID(ctx, integrationID)
	if err != nil {
		s.log.WithError(err).Warn("failed to list channels for deleted calendar, integration %d", integrationID)
		return nil
	}
	for _, ch := range channels {
		if err := s.remover.DeleteChannel(ctx, ch); err != nil {
			s.log.WithError(err).Warn("failed to remove channel %s for deleted calendar", ch.ChannelID)
		}
	}

	s.log.WithField("integration_id", integrationID).Info("integration marked deleted upstream")
	return nil
}

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"calsync_server/adapter/out/messaging"
	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/core/service/sync"
)

// SyncJobHandler consumes queued calendar sync jobs and runs the delta
// engine. Jobs arrive here when the notification path was lease-blocked,
// when a pass ran out of page budget, or when a sync was forced.
type SyncJobHandler struct {
	integrations domain.IntegrationRepository
	engine       *sync.Engine
	producer     out.MessageProducer
	log          zerolog.Logger
}

// NewSyncJobHandler creates the stream job handler.
func NewSyncJobHandler(
	integrations domain.IntegrationRepository,
	engine *sync.Engine,
	producer out.MessageProducer,
	log zerolog.Logger,
) *SyncJobHandler {
	return &SyncJobHandler{
		integrations: integrations,
		engine:       engine,
		producer:     producer,
		log:          log,
	}
}

// Handle processes one job from the calendar sync stream.
func (h *SyncJobHandler) Handle(ctx context.Context, stream string, data []byte) error {
	if stream != messaging.StreamCalendarSync {
		return fmt.Errorf("unexpected stream: %s", stream)
	}

	var job out.CalendarSyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		// Malformed payload: ack it, retries will not fix it.
		h.log.Error().Err(err).Msg("dropping malformed sync job")
		return nil
	}

	integration, err := h.integrations.GetByID(ctx, job.IntegrationID)
	if err != nil {
		h.log.Warn().Err(err).Int64("integration_id", job.IntegrationID).Msg("sync job for missing integration")
		return nil
	}

	if !integration.Syncable() && !job.Forced {
		h.log.Debug().Int64("integration_id", integration.ID).Msg("skipping sync for non-syncable integration")
		return nil
	}

	start := time.Now()
	result, err := h.engine.Sync(ctx, integration)
	if err != nil {
		if out.IsProviderErr(err, out.ProviderErrTransient) {
			// Returning the error leaves the message pending for a retry.
			return err
		}
		h.log.Error().Err(err).Int64("integration_id", integration.ID).Msg("sync job failed")
		return nil
	}

	h.log.Info().
		Int64("integration_id", integration.ID).
		Str("outcome", string(result.Outcome)).
		Int("applied", result.Applied).
		Int("pages", result.Pages).
		Dur("elapsed", time.Since(start)).
		Msg("sync job complete")

	if result.More {
		// Keep draining: re-enqueue the remainder instead of holding the
		// consumer on one integration.
		next := &out.CalendarSyncJob{
			IntegrationID: job.IntegrationID,
			CalendarID:    job.CalendarID,
			UserID:        job.UserID,
			Forced:        job.Forced,
			EnqueuedAt:    time.Now(),
		}
		if err := h.producer.PublishCalendarSync(ctx, next); err != nil {
			h.log.Error().Err(err).Int64("integration_id", integration.ID).Msg("failed to re-enqueue continuation")
		}
	}

	return nil
}

// Ensure interface compliance
var _ messaging.JobHandler = (*SyncJobHandler)(nil)

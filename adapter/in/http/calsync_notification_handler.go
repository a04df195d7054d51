// Package http provides inbound HTTP adapters: the provider notification
// receiver and the management API.
package http

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync/atomic"
	"time"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/core/service/sync"
	"calsync_server/pkg/apperr"
	"calsync_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	IdempotencyTTL = 5 * time.Minute
	SyncLockTTL    = 2 * time.Minute
)

// NotificationMetrics counts receiver outcomes.
type NotificationMetrics struct {
	Processed  int64
	Handshakes int64
	Duplicates int64
	Rejected   int64
	Unknown    int64
	Queued     int64
	Errors     int64
}

// NotificationHandler receives provider push notifications. It validates
// the channel token, runs the delta sync inline when possible, and falls
// back to the queue when the calendar is already mid-sync.
type NotificationHandler struct {
	channels     domain.ChannelRepository
	integrations domain.IntegrationRepository
	engine       *sync.Engine
	producer     out.MessageProducer
	redis        *redis.Client
	log          *logger.Logger

	syncTimeout time.Duration
	metrics     NotificationMetrics
}

// NewNotificationHandler creates the notification receiver.
func NewNotificationHandler(
	channels domain.ChannelRepository,
	integrations domain.IntegrationRepository,
	engine *sync.Engine,
	producer out.MessageProducer,
	redisClient *redis.Client,
	syncTimeout time.Duration,
) *NotificationHandler {
	if syncTimeout <= 0 {
		syncTimeout = 30 * time.Second
	}
	return &NotificationHandler{
		channels:     channels,
		integrations: integrations,
		engine:       engine,
		producer:     producer,
		redis:        redisClient,
		log:          logger.Default().WithField("component", "notification_handler"),
		syncTimeout:  syncTimeout,
	}
}

// Register mounts the public notification route. No auth middleware: the
// channel token is the authentication.
func (h *NotificationHandler) Register(app *fiber.App) {
	app.Post("/webhook/google-calendar", h.GoogleCalendarNotification)
	app.Post("/api/v1/webhook/google-calendar", h.GoogleCalendarNotification)
}

// GetMetrics returns a copy of the current counters.
func (h *NotificationHandler) GetMetrics() NotificationMetrics {
	return NotificationMetrics{
		Processed:  atomic.LoadInt64(&h.metrics.Processed),
		Handshakes: atomic.LoadInt64(&h.metrics.Handshakes),
		Duplicates: atomic.LoadInt64(&h.metrics.Duplicates),
		Rejected:   atomic.LoadInt64(&h.metrics.Rejected),
		Unknown:    atomic.LoadInt64(&h.metrics.Unknown),
		Queued:     atomic.LoadInt64(&h.metrics.Queued),
		Errors:     atomic.LoadInt64(&h.metrics.Errors),
	}
}

// GoogleCalendarNotification handles one push notification.
//
// Validation order matters: the channel must be resolved before the token
// can be compared, and the token must match before anything else happens.
// A mismatched token produces 403 and no further work; the provider is
// free to retry but will keep getting 403.
func (h *NotificationHandler) GoogleCalendarNotification(c *fiber.Ctx) error {
	channelID := c.Get("X-Goog-Channel-ID")
	channelToken := c.Get("X-Goog-Channel-Token")
	resourceState := c.Get("X-Goog-Resource-State")
	messageNumber := c.Get("X-Goog-Message-Number")

	if channelID == "" {
		atomic.AddInt64(&h.metrics.Rejected, 1)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing channel id"})
	}

	ctx := c.Context()

	ch, err := h.channels.GetByChannelID(ctx, channelID)
	if err != nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		h.log.WithError(err).Error("channel lookup failed: %s", channelID)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if ch == nil {
		// Channels are superseded asynchronously; late notifications for
		// pruned channels are expected noise.
		atomic.AddInt64(&h.metrics.Unknown, 1)
		h.log.Debug("notification for unknown channel: %s", channelID)
		return AppErrorResponse(c, apperr.UnknownChannel(channelID))
	}

	if subtle.ConstantTimeCompare([]byte(channelToken), []byte(ch.Token)) != 1 {
		atomic.AddInt64(&h.metrics.Rejected, 1)
		h.log.Warn("token mismatch for channel %s", channelID)
		return AppErrorResponse(c, apperr.TokenMismatch(channelID))
	}

	// The provider sends a "sync" handshake when the channel is created.
	// Acknowledge it; there is nothing to fetch yet.
	if resourceState == "sync" {
		atomic.AddInt64(&h.metrics.Handshakes, 1)
		h.log.Info("channel handshake: %s", channelID)
		return c.SendStatus(fiber.StatusOK)
	}

	if h.checkIdempotency(ctx, ch.ID, messageNumber) {
		h.log.Debug("duplicate notification skipped: channel=%s, msg=%s", channelID, messageNumber)
		return c.SendStatus(fiber.StatusOK)
	}

	integration, err := h.integrations.GetByID(ctx, ch.IntegrationID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			// The channel row outlived its integration; acknowledge so the
			// provider stops retrying something we can never sync.
			atomic.AddInt64(&h.metrics.Unknown, 1)
			h.log.Debug("notification for channel %s with no integration", channelID)
			return c.SendStatus(fiber.StatusOK)
		}
		atomic.AddInt64(&h.metrics.Errors, 1)
		h.log.WithError(err).Error("integration lookup failed for channel %s", channelID)
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	if !integration.Syncable() {
		// Disabled integrations still acknowledge so the provider does not
		// hammer the endpoint with retries.
		h.log.Debug("notification for non-syncable integration %d", integration.ID)
		return c.SendStatus(fiber.StatusOK)
	}

	if !h.acquireSyncLock(ctx, integration.ID) {
		// Already mid-sync; the running pass picks up these changes or the
		// queued job replays them. Either way nothing is lost.
		h.queueSync(ctx, integration)
		return c.SendStatus(fiber.StatusOK)
	}
	defer h.releaseSyncLock(ctx, integration.ID)

	atomic.AddInt64(&h.metrics.Processed, 1)

	syncCtx, cancel := context.WithTimeout(ctx, h.syncTimeout)
	defer cancel()

	result, err := h.engine.Sync(syncCtx, integration)
	if err != nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		h.log.WithError(err).Error("sync failed for integration %d", integration.ID)
		if apperr.IsCode(err, apperr.CodeConfigError) {
			// Misconfiguration is reported and the integration disabled;
			// a provider retry cannot fix it, so acknowledge.
			return c.SendStatus(fiber.StatusOK)
		}
		if out.IsProviderErr(err, out.ProviderErrTransient) {
			return c.SendStatus(fiber.StatusBadGateway)
		}
		if syncCtx.Err() != nil {
			return c.SendStatus(fiber.StatusGatewayTimeout)
		}
		return c.SendStatus(fiber.StatusInternalServerError)
	}

	if result.More {
		// Page budget ran out; queue the remainder rather than stalling the
		// receiver.
		h.queueSync(ctx, integration)
	}

	return c.SendStatus(fiber.StatusOK)
}

func (h *NotificationHandler) queueSync(ctx context.Context, integration *domain.CalendarIntegration) {
	if h.producer == nil {
		return
	}
	job := &out.CalendarSyncJob{
		IntegrationID: integration.ID,
		CalendarID:    integration.CalendarID,
		UserID:        integration.UserID.String(),
		EnqueuedAt:    time.Now(),
	}
	if err := h.producer.PublishCalendarSync(ctx, job); err != nil {
		atomic.AddInt64(&h.metrics.Errors, 1)
		h.log.WithError(err).Error("failed to queue sync for integration %d", integration.ID)
		return
	}
	atomic.AddInt64(&h.metrics.Queued, 1)
}

func (h *NotificationHandler) idempotencyKey(channelRowID int64, messageNumber string) string {
	return fmt.Sprintf("notify:idempotent:%d:%s", channelRowID, messageNumber)
}

func (h *NotificationHandler) syncLockKey(integrationID int64) string {
	return fmt.Sprintf("notify:synclock:%d", integrationID)
}

// checkIdempotency returns true when this message number was already seen.
func (h *NotificationHandler) checkIdempotency(ctx context.Context, channelRowID int64, messageNumber string) bool {
	if h.redis == nil || messageNumber == "" {
		return false
	}
	ok, err := h.redis.SetNX(ctx, h.idempotencyKey(channelRowID, messageNumber), "1", IdempotencyTTL).Result()
	if err != nil {
		// Redis down: process anyway, the apply path is idempotent.
		return false
	}
	if !ok {
		atomic.AddInt64(&h.metrics.Duplicates, 1)
		return true
	}
	return false
}

func (h *NotificationHandler) acquireSyncLock(ctx context.Context, integrationID int64) bool {
	if h.redis == nil {
		return true
	}
	ok, err := h.redis.SetNX(ctx, h.syncLockKey(integrationID), "1", SyncLockTTL).Result()
	return err == nil && ok
}

func (h *NotificationHandler) releaseSyncLock(ctx context.Context, integrationID int64) {
	if h.redis == nil {
		return
	}
	_ = h.redis.Del(ctx, h.syncLockKey(integrationID))
}

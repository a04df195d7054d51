package http

import (
	"time"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
	"calsync_server/core/service/channel"
	"calsync_server/core/service/sync"
	"calsync_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

// ChannelHandler exposes the JWT-protected management API: channel
// lifecycle, integration toggles, and forced syncs.
type ChannelHandler struct {
	channels     domain.ChannelRepository
	integrations domain.IntegrationRepository
	manager      *channel.Manager
	state        *sync.StateController
	producer     out.MessageProducer
	notification *NotificationHandler
}

// NewChannelHandler creates the management handler.
func NewChannelHandler(
	channels domain.ChannelRepository,
	integrations domain.IntegrationRepository,
	manager *channel.Manager,
	state *sync.StateController,
	producer out.MessageProducer,
	notification *NotificationHandler,
) *ChannelHandler {
	return &ChannelHandler{
		channels:     channels,
		integrations: integrations,
		manager:      manager,
		state:        state,
		producer:     producer,
		notification: notification,
	}
}

// Register mounts the management routes under an authenticated router.
func (h *ChannelHandler) Register(router fiber.Router) {
	channels := router.Group("/channels")
	channels.Get("/", h.ListChannels)
	channels.Post("/setup/:integration_id", h.SetupChannel)
	channels.Delete("/:id", h.StopChannel)
	channels.Get("/metrics", h.GetMetrics)

	integrations := router.Group("/integrations")
	integrations.Get("/", h.ListIntegrations)
	integrations.Post("/:id/sync", h.ForceSync)
	integrations.Post("/:id/enable", h.EnableSync)
	integrations.Post("/:id/disable", h.DisableSync)
}

// ListChannels lists the caller's watch channels.
func (h *ChannelHandler) ListChannels(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusUnauthorized, "unauthorized")
	}

	channels, err := h.channels.ListByUserID(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "list channels")
	}

	return SuccessResponse(c, fiber.Map{"channels": channels, "total": len(channels)})
}

// SetupChannel registers a watch channel for one of the caller's
// integrations.
func (h *ChannelHandler) SetupChannel(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusUnauthorized, "unauthorized")
	}

	integrationID, err := parseID(c.Params("integration_id"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid integration id")
	}

	integration, err := h.integrations.GetByID(c.Context(), integrationID)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if integration.UserID != userID {
		return ErrorResponse(c, fiber.StatusForbidden, "not your integration")
	}

	ch, err := h.manager.CreateChannel(c.Context(), integration)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeConflict) {
			return AppErrorResponse(c, err)
		}
		return InternalErrorResponse(c, err, "setup channel")
	}

	return c.Status(fiber.StatusCreated).JSON(APIResponse{
		Success:   true,
		Data:      ch,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// StopChannel tears down one of the caller's channels.
func (h *ChannelHandler) StopChannel(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusUnauthorized, "unauthorized")
	}

	id, err := parseID(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid channel id")
	}

	channels, err := h.channels.ListByUserID(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "stop channel")
	}

	var target *domain.WatchChannel
	for _, ch := range channels {
		if ch.ID == id {
			target = ch
			break
		}
	}
	if target == nil {
		return ErrorResponse(c, fiber.StatusNotFound, "channel not found")
	}

	if err := h.manager.DeleteChannel(c.Context(), target); err != nil {
		return InternalErrorResponse(c, err, "stop channel")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// GetMetrics reports receiver counters.
func (h *ChannelHandler) GetMetrics(c *fiber.Ctx) error {
	m := h.notification.GetMetrics()
	return c.JSON(fiber.Map{
		"processed":  m.Processed,
		"handshakes": m.Handshakes,
		"duplicates": m.Duplicates,
		"rejected":   m.Rejected,
		"unknown":    m.Unknown,
		"queued":     m.Queued,
		"errors":     m.Errors,
	})
}

// ListIntegrations lists the caller's calendar integrations.
func (h *ChannelHandler) ListIntegrations(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusUnauthorized, "unauthorized")
	}

	integrations, err := h.integrations.ListByUserID(c.Context(), userID)
	if err != nil {
		return InternalErrorResponse(c, err, "list integrations")
	}

	return SuccessResponse(c, fiber.Map{"integrations": integrations, "total": len(integrations)})
}

// ForceSync queues a full pass for an integration, bypassing the
// notification path.
func (h *ChannelHandler) ForceSync(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusUnauthorized, "unauthorized")
	}

	id, err := parseID(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid integration id")
	}

	integration, err := h.integrations.GetByID(c.Context(), id)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if integration.UserID != userID {
		return ErrorResponse(c, fiber.StatusForbidden, "not your integration")
	}

	if h.producer == nil {
		return ErrorResponse(c, fiber.StatusServiceUnavailable, "sync queue unavailable")
	}

	job := &out.CalendarSyncJob{
		IntegrationID: integration.ID,
		CalendarID:    integration.CalendarID,
		UserID:        integration.UserID.String(),
		Forced:        true,
		EnqueuedAt:    time.Now(),
	}
	if err := h.producer.PublishCalendarSync(c.Context(), job); err != nil {
		return InternalErrorResponse(c, err, "force sync")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": true})
}

// EnableSync resumes sync after e.g. re-authorization.
func (h *ChannelHandler) EnableSync(c *fiber.Ctx) error {
	return h.setSyncEnabled(c, true)
}

// DisableSync pauses sync for an integration.
func (h *ChannelHandler) DisableSync(c *fiber.Ctx) error {
	return h.setSyncEnabled(c, false)
}

func (h *ChannelHandler) setSyncEnabled(c *fiber.Ctx, enabled bool) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusUnauthorized, "unauthorized")
	}

	id, err := parseID(c.Params("id"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid integration id")
	}

	integration, err := h.integrations.GetByID(c.Context(), id)
	if err != nil {
		return AppErrorResponse(c, err)
	}
	if integration.UserID != userID {
		return ErrorResponse(c, fiber.StatusForbidden, "not your integration")
	}

	if enabled {
		err = h.state.Enable(c.Context(), id)
	} else {
		err = h.state.Disable(c.Context(), id, "")
	}
	if err != nil {
		return InternalErrorResponse(c, err, "update sync state")
	}

	return SuccessResponse(c, fiber.Map{"sync_enabled": enabled})
}

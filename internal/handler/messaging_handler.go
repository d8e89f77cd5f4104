package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/egov-messaging-api/internal/dto"
	"github.com/noah-isme/egov-messaging-api/internal/middleware"
	"github.com/noah-isme/egov-messaging-api/internal/models"
	"github.com/noah-isme/egov-messaging-api/internal/service"
	"github.com/noah-isme/egov-messaging-api/internal/utils"
)

// MessagingHandler exposes conversation, message and typing endpoints.
type MessagingHandler struct {
	service service.MessagingService
	logger  zerolog.Logger
}

// NewMessagingHandler creates a messaging handler instance.
func NewMessagingHandler(service service.MessagingService, logger zerolog.Logger) *MessagingHandler {
	return &MessagingHandler{
		service: service,
		logger:  logger.With().Str("component", "messaging_handler").Logger(),
	}
}

// Register binds messaging routes. typingLimiter may be nil.
func (h *MessagingHandler) Register(router fiber.Router, typingLimiter fiber.Handler) {
	if typingLimiter == nil {
		typingLimiter = func(c *fiber.Ctx) error { return c.Next() }
	}
	residentOnly := middleware.RequireRole(models.RoleResident)

	router.Post("/broadcasting/auth", h.authorizeChannel)
	router.Get("/unread-count", h.unreadCount)

	conversations := router.Group("/conversations")
	conversations.Get("", h.list)
	conversations.Post("", residentOnly, h.open)
	conversations.Post("/general", residentOnly, h.openGeneral)
	conversations.Get("/:id", h.show)
	conversations.Get("/:id/messages", h.messages)
	conversations.Post("/:id/messages", h.send)
	conversations.Post("/:id/read", h.markRead)
	conversations.Post("/:id/typing/start", typingLimiter, h.startTyping)
	conversations.Post("/:id/typing/stop", typingLimiter, h.stopTyping)
	conversations.Get("/:id/typing", h.activeTyping)
	conversations.Post("/:id/archive", h.archive)
	conversations.Post("/:id/restore", h.restore)
}

func (h *MessagingHandler) list(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 || limit > 100 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil || offset < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset")
	}

	items, err := h.service.ListConversations(requestContext(c), principalFromContext(c), limit, offset)
	if err != nil {
		return sendServiceError(c, h.logger, err, "list conversations")
	}
	return utils.SendSuccess(c, "conversations retrieved", items)
}

func (h *MessagingHandler) open(c *fiber.Ctx) error {
	var req dto.CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	result, err := h.service.OpenConversation(requestContext(c), principalFromContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "open conversation")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "conversation opened", result)
}

func (h *MessagingHandler) openGeneral(c *fiber.Ctx) error {
	var req dto.GeneralConversationRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
		}
	}

	result, err := h.service.OpenGeneralConversation(requestContext(c), principalFromContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "open conversation")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "conversation opened", result)
}

func (h *MessagingHandler) show(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid conversation id")
	}
	query, err := historyQuery(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	detail, err := h.service.GetConversation(requestContext(c), principalFromContext(c), id, query)
	if err != nil {
		return sendServiceError(c, h.logger, err, "get conversation")
	}
	return utils.SendSuccess(c, "conversation retrieved", detail)
}

func (h *MessagingHandler) messages(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid conversation id")
	}
	query, err := historyQuery(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	messages, err := h.service.ListMessages(requestContext(c), principalFromContext(c), id, query)
	if err != nil {
		return sendServiceError(c, h.logger, err, "list messages")
	}
	return utils.SendSuccess(c, "messages retrieved", messages)
}

func (h *MessagingHandler) send(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid conversation id")
	}

	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	message, err := h.service.SendMessage(requestContext(c), principalFromContext(c), id, req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "send message")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *MessagingHandler) markRead(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid conversation id")
	}

	conversation, err := h.service.MarkRead(requestContext(c), principalFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err, "mark read")
	}
	return utils.SendSuccess(c, "conversation marked as read", conversation)
}

func (h *MessagingHandler) unreadCount(c *fiber.Ctx) error {
	count, err := h.service.UnreadCount(requestContext(c), principalFromContext(c))
	if err != nil {
		return sendServiceError(c, h.logger, err, "unread count")
	}
	return utils.SendSuccess(c, "unread count retrieved", count)
}

// Typing failures are never surfaced beyond access errors.
func (h *MessagingHandler) startTyping(c *fiber.Ctx) error {
	return h.typing(c, true)
}

func (h *MessagingHandler) stopTyping(c *fiber.Ctx) error {
	return h.typing(c, false)
}

func (h *MessagingHandler) typing(c *fiber.Ctx, typing bool) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid conversation id")
	}

	if typing {
		err = h.service.StartTyping(requestContext(c), principalFromContext(c), id)
	} else {
		err = h.service.StopTyping(requestContext(c), principalFromContext(c), id)
	}
	if err != nil {
		return sendServiceError(c, h.logger, err, "typing")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *MessagingHandler) activeTyping(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid conversation id")
	}

	indicators, err := h.service.ActiveTyping(requestContext(c), principalFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err, "active typing")
	}
	return utils.SendSuccess(c, "typing indicators retrieved", indicators)
}

func (h *MessagingHandler) archive(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid conversation id")
	}

	conversation, err := h.service.Archive(requestContext(c), principalFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err, "archive conversation")
	}
	return utils.SendSuccess(c, "conversation archived", conversation)
}

func (h *MessagingHandler) restore(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid conversation id")
	}

	conversation, err := h.service.Restore(requestContext(c), principalFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err, "restore conversation")
	}
	return utils.SendSuccess(c, "conversation restored", conversation)
}

func (h *MessagingHandler) authorizeChannel(c *fiber.Ctx) error {
	var req dto.ChannelAuthRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	result, err := h.service.AuthorizeChannel(requestContext(c), principalFromContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "channel auth")
	}
	return utils.SendSuccess(c, "channel authorized", result)
}

func historyQuery(c *fiber.Ctx) (dto.MessageHistoryQuery, error) {
	var query dto.MessageHistoryQuery
	if before := c.Query("before"); before != "" {
		parsed, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return query, fiber.NewError(fiber.StatusBadRequest, "invalid before timestamp")
		}
		query.Before = &parsed
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return query, fiber.NewError(fiber.StatusBadRequest, "invalid limit")
	}
	query.Limit = limit
	return query, nil
}

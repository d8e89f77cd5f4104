package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/egov-messaging-api/internal/middleware"
	"github.com/noah-isme/egov-messaging-api/internal/realtime"
)

// RealtimeHandler upgrades clients to websocket sessions served by the broker.
type RealtimeHandler struct {
	broker *realtime.Broker
	logger zerolog.Logger
}

// NewRealtimeHandler creates a realtime handler instance.
func NewRealtimeHandler(broker *realtime.Broker, logger zerolog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		broker: broker,
		logger: logger.With().Str("component", "realtime_handler").Logger(),
	}
}

// Register binds the websocket endpoint behind the given guards. Authentication
// is optional on upgrade; anonymous sessions are refused on every subscribe.
func (h *RealtimeHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	handlers := append([]fiber.Handler{}, guards...)
	handlers = append(handlers, h.upgrade, websocket.New(h.handleConnection))
	router.Get("/ws", handlers...)
}

func (h *RealtimeHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("request_ctx", requestContext(c))
	return c.Next()
}

func (h *RealtimeHandler) handleConnection(conn *websocket.Conn) {
	principal := realtime.Principal{Role: userRoleFromLocals(conn.Locals("user_role"))}
	if id, ok := conn.Locals("user_id").(uint); ok {
		principal.UserID = id
	}

	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}

	logger := h.logger.With().
		Uint("user_id", principal.UserID).
		Str("correlation_id", middleware.CorrelationIDFromContext(ctx)).
		Logger()
	logger.Info().Msg("realtime websocket connected")
	h.broker.Serve(ctx, conn, principal)
	logger.Info().Msg("realtime websocket disconnected")
}

func userRoleFromLocals(value interface{}) string {
	if role, ok := value.(string); ok {
		return role
	}
	return ""
}

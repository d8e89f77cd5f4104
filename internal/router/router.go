package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/egov-messaging-api/internal/config"
	"github.com/noah-isme/egov-messaging-api/internal/handler"
	"github.com/noah-isme/egov-messaging-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	MessagingHandler  *handler.MessagingHandler
	RealtimeHandler   *handler.RealtimeHandler
	AttachmentHandler *handler.AttachmentHandler
	// JWTMiddleware rejects anonymous requests; OptionalJWTMiddleware lets them through.
	JWTMiddleware         fiber.Handler
	OptionalJWTMiddleware fiber.Handler
	TypingLimiter         fiber.Handler
	NodeID                string
	Sessions              handler.SessionCounter
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.NodeID, deps.Sessions))

	noop := func(c *fiber.Ctx) error { return c.Next() }
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = noop
	}
	optionalJWT := deps.OptionalJWTMiddleware
	if optionalJWT == nil {
		optionalJWT = noop
	}

	messaging := api.Group("/messaging")

	// The websocket route must be registered before the protected group:
	// group middleware matches by prefix and would otherwise refuse anonymous upgrades.
	if deps.RealtimeHandler != nil {
		deps.RealtimeHandler.Register(messaging, optionalJWT)
	}

	protected := messaging.Group("", jwtMiddleware)
	if deps.MessagingHandler != nil {
		deps.MessagingHandler.Register(protected, deps.TypingLimiter)
	}
	if deps.AttachmentHandler != nil {
		deps.AttachmentHandler.Register(protected)
	}
}

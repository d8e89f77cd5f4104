package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/egov-messaging-api/internal/config"
	"github.com/noah-isme/egov-messaging-api/internal/utils"
)

// SessionCounter reports the number of live realtime sessions.
type SessionCounter interface {
	SessionCount() int
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	NodeID      string    `json:"node_id,omitempty"`
	Sessions    int       `json:"sessions"`
}

// HealthCheck returns a handler that reports application health information.
// sessions may be nil.
func HealthCheck(cfg config.Config, nodeID string, sessions SessionCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			NodeID:      nodeID,
		}
		if sessions != nil {
			payload.Sessions = sessions.SessionCount()
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}

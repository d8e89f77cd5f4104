package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	// CorrelationHeader carries the request identifier in and out of the API.
	CorrelationHeader = "X-Correlation-ID"
	// correlationQuery lets browser websocket clients, which cannot set headers, pass an id.
	correlationQuery = "correlation_id"
	maxCorrelationID = 128
)

type correlationIDKey struct{}

var correlationKey = correlationIDKey{}

// CorrelationID tags every request and websocket upgrade with an identifier that follows
// it into handler, service and broker logs. Ids that are too long are replaced.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := incomingCorrelationID(c)
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals("correlation_id", id)
		c.Set(CorrelationHeader, id)
		c.SetUserContext(context.WithValue(c.UserContext(), correlationKey, id))

		return c.Next()
	}
}

func incomingCorrelationID(c *fiber.Ctx) string {
	candidates := []string{c.Get(CorrelationHeader), c.Get("X-Request-ID")}
	if strings.EqualFold(c.Get(fiber.HeaderUpgrade), "websocket") {
		candidates = append(candidates, c.Query(correlationQuery))
	}
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" && len(candidate) <= maxCorrelationID {
			// Header and query values alias fasthttp buffers that are reused after hijack.
			return strings.Clone(candidate)
		}
	}
	return ""
}

// CorrelationIDFromContext returns the identifier stored on ctx, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

// GetCorrelationID returns the identifier bound to the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals("correlation_id").(string); ok {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

// ContextWithCorrelation attaches the identifier to ctx so work that outlives the
// request, such as fan-out to the cluster relay, keeps logging it.
func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, correlationID)
}

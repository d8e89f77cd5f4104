package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func principalApp(guard fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(guard)
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.SendString(fmt.Sprintf("%v|%v", c.Locals("user_id"), c.Locals("user_role")))
	})
	return app
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n])
}

func TestJWTProtectedBindsPrincipal(t *testing.T) {
	app := principalApp(JWTProtected(testSecret))
	token := signToken(t, jwt.MapClaims{"sub": "10", "role": "Resident", "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "10|resident", readBody(t, resp))
}

func TestJWTProtectedRejects(t *testing.T) {
	app := principalApp(JWTProtected(testSecret))

	cases := map[string]string{
		"missing":      "",
		"wrong scheme": "Basic abc",
		"bad token":    "Bearer nope",
		"no subject":   "Bearer " + signToken(t, jwt.MapClaims{"role": "staff"}),
		"expired":      "Bearer " + signToken(t, jwt.MapClaims{"sub": 10, "exp": time.Now().Add(-time.Minute).Unix()}),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestJWTOptionalAllowsAnonymousAndQueryToken(t *testing.T) {
	app := principalApp(JWTOptional(testSecret))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/whoami", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "<nil>|<nil>", readBody(t, resp))

	token := signToken(t, jwt.MapClaims{"user_id": 20, "roles": []string{"staff"}})
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/whoami?token="+token, nil))
	require.NoError(t, err)
	require.Equal(t, "20|staff", readBody(t, resp))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/whoami?token=garbage", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimitPerUser(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", uint(10))
		return c.Next()
	})
	app.Post("/typing", RateLimit("typing", 2, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/typing", nil))
		require.NoError(t, err)
		require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	}
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/typing", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
}

func TestCorrelationIDPropagates(t *testing.T) {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(CorrelationIDFromContext(c.UserContext()))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, "req-42", resp.Header.Get("X-Correlation-ID"))
	require.Equal(t, "req-42", readBody(t, resp))
}

func TestCorrelationIDFromWebsocketQuery(t *testing.T) {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/ws", func(c *fiber.Ctx) error {
		return c.SendString(GetCorrelationID(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/ws?correlation_id=ws-7", nil)
	req.Header.Set("Upgrade", "websocket")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, "ws-7", readBody(t, resp))

	// Plain requests ignore the query parameter.
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/ws?correlation_id=ws-7", nil))
	require.NoError(t, err)
	require.NotEqual(t, "ws-7", readBody(t, resp))

	long := httptest.NewRequest(http.MethodGet, "/ws", nil)
	long.Header.Set(CorrelationHeader, strings.Repeat("x", maxCorrelationID+1))
	resp, err = app.Test(long)
	require.NoError(t, err)
	require.Len(t, readBody(t, resp), 36)
}

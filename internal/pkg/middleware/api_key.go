package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ContentPass/internal/pkg/usercontext"
)

// OperatorAPIKeyMiddleware marks requests carrying the configured operator
// API key (X-API-Key header) as operator requests. Requests without the key
// pass through unchanged so a session may still authorize them; a wrong key
// is rejected outright. An empty configured key disables key auth.
func OperatorAPIKeyMiddleware(expected string) fiber.Handler {
	expected = strings.TrimSpace(expected)
	return func(c *fiber.Ctx) error {
		apiKey := strings.TrimSpace(c.Get("X-API-Key"))
		if apiKey == "" {
			return c.Next()
		}
		if expected == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}

		userCtx := usercontext.GetUserContext(c)
		userCtx.IsOperator = true
		usercontext.SetUserContext(c, userCtx)
		return c.Next()
	}
}

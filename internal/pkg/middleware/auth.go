package middleware

import (
	icuser "github.com/ManuelReschke/ContentPass/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
)

// RequireSession ensures a valid session token and returns JSON 401 otherwise.
func RequireSession(c *fiber.Ctx) error {
	v := c.Locals(icuser.KeyFromProtected)
	loggedIn := false
	if b, ok := v.(bool); ok {
		loggedIn = b
	}
	if !loggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "valid session token required",
		})
	}
	return c.Next()
}

// RequireOperator ensures the request was authenticated as an operator,
// either by API key or by an operator session.
func RequireOperator(c *fiber.Ctx) error {
	if isOperator, ok := c.Locals(icuser.KeyIsOperator).(bool); ok && isOperator {
		return c.Next()
	}
	if icuser.IsLoggedIn(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "operator access required",
		})
	}
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":   "unauthorized",
		"message": "operator API key or session required",
	})
}

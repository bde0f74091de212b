package middleware

import (
	"strings"

	"github.com/ManuelReschke/ContentPass/internal/pkg/security"
	"github.com/ManuelReschke/ContentPass/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
)

// TokenVerifier validates session tokens.
type TokenVerifier interface {
	Verify(token string) (*security.SessionClaims, error)
}

// UserContextMiddleware sets the user context for every request from a
// bearer session token. Missing or invalid tokens leave the request
// anonymous; route guards decide whether that is acceptable.
func UserContextMiddleware(sessions TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		anonymous := usercontext.UserContext{IsLoggedIn: false, IsOperator: false}

		token := extractBearerToken(c)
		if token == "" || sessions == nil {
			usercontext.SetUserContext(c, anonymous)
			return c.Next()
		}

		claims, err := sessions.Verify(token)
		if err != nil {
			usercontext.SetUserContext(c, anonymous)
			return c.Next()
		}

		usercontext.SetUserContext(c, usercontext.UserContext{
			AccountID:    claims.AccountID,
			Email:        claims.Email,
			IsLoggedIn:   true,
			IsOperator:   claims.Operator,
			Entitlements: claims.Entitlements,
		})
		return c.Next()
	}
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

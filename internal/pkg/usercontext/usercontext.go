package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext represents the authenticated identity of a request, taken from
// a verified session token or an operator API key.
type UserContext struct {
	AccountID    string   `json:"account_id"`
	Email        string   `json:"email"`
	IsLoggedIn   bool     `json:"is_logged_in"`
	IsOperator   bool     `json:"is_operator"`
	Entitlements []string `json:"entitlements"`
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return ctx
	}
	return UserContext{IsLoggedIn: false, IsOperator: false}
}

// SetUserContext stores the context and the flat compatibility locals.
func SetUserContext(c *fiber.Ctx, uc UserContext) {
	c.Locals(KeyUserContext, uc)
	c.Locals(KeyFromProtected, uc.IsLoggedIn)
	c.Locals(KeyAccountID, uc.AccountID)
	c.Locals(KeyEmail, uc.Email)
	c.Locals(KeyIsOperator, uc.IsOperator)
}

// IsLoggedIn checks if the current request carries a valid session
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// IsOperator checks if the current request is made by an operator
func IsOperator(c *fiber.Ctx) bool {
	return GetUserContext(c).IsOperator
}


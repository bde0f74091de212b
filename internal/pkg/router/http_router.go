package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ContentPass/app/controllers"
	"github.com/ManuelReschke/ContentPass/internal/pkg/middleware"
)

type HttpRouter struct {
	svc *controllers.Services
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Session token first, then the operator API key may upgrade the context.
	app.Use(middleware.UserContextMiddleware(h.svc.Sessions))
	app.Use(middleware.OperatorAPIKeyMiddleware(h.svc.AdminAPIKey))

	h.registerPublicRoutes(app)
}

func NewHttpRouter(svc *controllers.Services) *HttpRouter {
	return &HttpRouter{svc: svc}
}

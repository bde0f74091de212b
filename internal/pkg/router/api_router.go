package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/ContentPass/app/controllers"
	"github.com/ManuelReschke/ContentPass/internal/pkg/middleware"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ratelimit"
)

type ApiRouter struct {
	svc *controllers.Services
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{Max: 120}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	accountCtrl := controllers.NewAccountController(h.svc)
	v1.Post("/accounts", accountCtrl.HandleRegister)
	v1.Post("/sessions", accountCtrl.HandleLogin)

	entCtrl := controllers.NewEntitlementController(h.svc)
	v1.Post("/entitlements/refresh", middleware.RequireSession, entCtrl.HandleRefresh)
	v1.Get("/entitlements/check", middleware.RequireSession, entCtrl.HandleCheck)
	v1.Get("/entitlements", middleware.RequireOperator, entCtrl.HandleQuery)

	// Reconcile calls the provider API, so it gets its own tighter limit
	// shared across instances through Redis when available.
	reconcileLimiter := ratelimit.New(ratelimit.ConfigFromEnv(ratelimit.NewStorage()))
	v1.Post("/reconcile", reconcileLimiter, entCtrl.HandleReconcile)

	h.registerAdminRoutes(v1)
}

func NewApiRouter(svc *controllers.Services) *ApiRouter {
	return &ApiRouter{svc: svc}
}

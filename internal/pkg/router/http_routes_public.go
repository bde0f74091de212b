package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/ContentPass/app/controllers"
	"github.com/ManuelReschke/ContentPass/internal/pkg/middleware"
)

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	// Prometheus scrape endpoint, operator key required
	app.Get("/metrics", middleware.RequireOperator, adaptor.HTTPHandler(promhttp.Handler()))

	// Checkout provider webhooks (signature-verified in controller)
	checkoutCtrl := controllers.NewCheckoutController(h.svc)
	app.Post("/webhooks/checkout", checkoutCtrl.HandleCheckoutWebhook)
}

package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ContentPass/app/controllers"
	"github.com/ManuelReschke/ContentPass/internal/pkg/middleware"
)

func (h ApiRouter) registerAdminRoutes(v1 fiber.Router) {
	adminCtrl := controllers.NewAdminController(h.svc)

	adminGroup := v1.Group("/admin", middleware.RequireOperator)
	adminGroup.Get("/catalog", adminCtrl.HandleCatalog)
	adminGroup.Get("/normalize", adminCtrl.HandleNormalize)
	adminGroup.Get("/unmapped", adminCtrl.HandleUnmapped)
	adminGroup.Post("/unmapped/sweep", adminCtrl.HandleSweepUnmapped)

	// Ledger
	adminGroup.Get("/purchases", adminCtrl.HandleListPurchases)
	adminGroup.Post("/purchases", adminCtrl.HandleGrant)
	adminGroup.Post("/relink", adminCtrl.HandleRelink)
	adminGroup.Get("/transactions/:id/verify", adminCtrl.HandleVerifyTransaction)

	// Link conflicts
	adminGroup.Get("/link-conflicts", adminCtrl.HandleListConflicts)
	adminGroup.Post("/link-conflicts/:id/resolve", adminCtrl.HandleResolveConflict)

	// Webhook deliveries
	adminGroup.Get("/webhook-events", adminCtrl.HandleListWebhookEvents)
}

package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ContentPass/app/controllers"
)

// Router registers a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App, svc *controllers.Services) {
	// HttpRouter installs the global identity middlewares, so it goes first.
	setup(app, NewHttpRouter(svc), NewApiRouter(svc))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}

package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/ContentPass/app/controllers"
	"github.com/ManuelReschke/ContentPass/internal/pkg/cache"
	"github.com/ManuelReschke/ContentPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ContentPass/internal/pkg/database"
	"github.com/ManuelReschke/ContentPass/internal/pkg/env"
	"github.com/ManuelReschke/ContentPass/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/ContentPass/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	if err := cache.Ping(2 * time.Second); err == nil {
		counter.Enable(cache.GetClient())
	}

	// A catalog with colliding aliases must never serve traffic.
	cat, err := catalog.LoadFromEnv(env.GetEnv("CATALOG_PATH", ""))
	if err != nil {
		log.Fatalf("Failed to load product catalog: %v", err)
	}

	svc, err := controllers.NewServices(database.GetDB(), cat, controllers.ConfigFromEnv())
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/contentpass to project root
		"../../../", // Fallback
	}

	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	if basePath == "" {
		panic("Could not find project root directory")
	}

	app := fiber.New(fiber.Config{
		BodyLimit:    1 << 20, // webhook payloads are small
		ErrorHandler: jsonErrorHandler,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber monitor
	app.Get("/monitor", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("MONITOR_USER", "admin"): env.GetEnv("MONITOR_PASSWORD", "change-me"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app, svc)

	return app
}

func jsonErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	if code >= fiber.StatusInternalServerError {
		log.Printf("Unhandled error on %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(code).JSON(fiber.Map{"error": "internal_error"})
	}
	return c.Status(code).JSON(fiber.Map{"error": "request_failed", "message": err.Error()})
}

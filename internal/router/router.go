package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/loka-go-api/internal/config"
	"github.com/noah-isme/loka-go-api/internal/handler"
	"github.com/noah-isme/loka-go-api/internal/middleware"
	"github.com/noah-isme/loka-go-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ActivityHandler *handler.ActivityHandler
	RollbackHandler *handler.RollbackHandler
	StreamHandler   *handler.StreamHandler
	JWTMiddleware   fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	// Activity log
	if deps.ActivityHandler != nil {
		activities := app.Group("/api/v1/activities", jwtMiddleware)
		deps.ActivityHandler.Register(activities)

		admin := app.Group("/api/v1/admin/activities", jwtMiddleware, middleware.RequireRole("admin"))
		deps.ActivityHandler.RegisterAdmin(admin)
	}

	// Rollback engine; executions are rate limited per user
	if deps.RollbackHandler != nil {
		rollback := app.Group("/api/v1/rollback", jwtMiddleware)
		deps.RollbackHandler.Register(rollback, middleware.RateLimit("rollback-execute", 10, time.Minute))
	}

	// Live activity stream
	if deps.StreamHandler != nil {
		stream := app.Group("/api/v1/stream", jwtMiddleware)
		deps.StreamHandler.Register(stream)
	}
}

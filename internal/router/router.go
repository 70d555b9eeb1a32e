package router

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-lrs/internal/config"
	"github.com/noah-isme/gema-lrs/internal/handler"
	"github.com/noah-isme/gema-lrs/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	DB               *gorm.DB
	StatementHandler *handler.StatementHandler
	StreamHandler    *handler.StatementStreamHandler
	// JWTMiddleware guards every statement route when set.
	JWTMiddleware fiber.Handler
	// WriteLimiter runs before statement writes only.
	WriteLimiter fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/health", handler.HealthCheck(cfg, deps.DB))
	app.Get("/metrics", observability.MetricsHandler())

	xapi := app.Group("/xapi", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})

	xapi.Get("/about", handler.About(handler.AboutInfo{
		Versions:    []string{cfg.XAPIVersion},
		Name:        cfg.AppName,
		Description: "xAPI learning record store",
	}))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	statements := xapi.Group("/statements", jwtMiddleware)

	if deps.StreamHandler != nil {
		deps.StreamHandler.Register(statements)
	}

	if deps.StatementHandler != nil {
		var writeGuards []fiber.Handler
		if deps.WriteLimiter != nil {
			writeGuards = append(writeGuards, deps.WriteLimiter)
		}
		deps.StatementHandler.Register(statements, writeGuards...)
	}
}

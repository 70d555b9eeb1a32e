package middleware

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Config customises the middleware registration pipeline.
type Config struct {
	Logger      *zerolog.Logger
	XAPIVersion string
	// AccessLog enables the plain text access log on stdout.
	AccessLog bool
	Now       func() time.Time
}

// Register attaches the common middlewares used across the API.
func Register(app *fiber.App, cfg Config) {
	requestLogger := zerolog.New(io.Discard)
	if cfg.Logger != nil {
		requestLogger = *cfg.Logger
	}

	version := cfg.XAPIVersion
	if version == "" {
		version = "1.0.3"
	}

	app.Use(recover.New())
	app.Use(CorrelationID())
	app.Use(Observability(requestLogger))
	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{
			Output: os.Stdout,
			Next: func(c *fiber.Ctx) bool {
				return !strings.HasPrefix(c.Path(), "/xapi")
			},
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, " + HeaderXAPIVersion,
		AllowMethods:  "GET,POST,PUT,OPTIONS",
		ExposeHeaders: HeaderXAPIVersion + ", " + HeaderConsistentThrough + ", X-Correlation-ID",
	}))
	app.Use(XAPIVersion(version, cfg.Now))
}

package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-lrs/internal/utils"
)

const (
	// HeaderXAPIVersion carries the xAPI version on requests and responses.
	HeaderXAPIVersion = "X-Experience-API-Version"
	// HeaderConsistentThrough reports how current statement results are.
	HeaderConsistentThrough = "X-Experience-API-Consistent-Through"

	xapiVersionKey = "xapi_version"
)

var supportedXAPIVersion = regexp.MustCompile(`^1\.0\.[0-9]+$`)

// XAPIVersion echoes the server version on every response and requires a
// 1.0.x version header on statement resources. "1.0" is read as "1.0.0".
func XAPIVersion(serverVersion string, now func() time.Time) fiber.Handler {
	if now == nil {
		now = time.Now
	}

	return func(c *fiber.Ctx) error {
		c.Set(HeaderXAPIVersion, serverVersion)

		if !strings.HasPrefix(c.Path(), "/xapi/statements") {
			return c.Next()
		}

		requested := strings.TrimSpace(c.Get(HeaderXAPIVersion))
		if requested == "" {
			return utils.SendError(c, fiber.StatusBadRequest, HeaderXAPIVersion+" header is required")
		}
		if requested == "1.0" {
			requested = "1.0.0"
		}
		if !supportedXAPIVersion.MatchString(requested) {
			return utils.SendError(c, fiber.StatusBadRequest, "unsupported "+HeaderXAPIVersion+" "+requested)
		}

		c.Locals(xapiVersionKey, requested)
		c.Set(HeaderConsistentThrough, now().UTC().Format(time.RFC3339Nano))

		return c.Next()
	}
}

// RequestedXAPIVersion returns the normalised version sent by the client.
func RequestedXAPIVersion(c *fiber.Ctx) string {
	if value, ok := c.Locals(xapiVersionKey).(string); ok {
		return value
	}
	return ""
}

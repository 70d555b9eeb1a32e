package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-lrs/internal/utils"
)

// JWTProtected validates HMAC signed bearer tokens and stores the token
// subject as the calling client.
func JWTProtected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get(fiber.HeaderAuthorization)
		if authorization == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		const bearer = "Bearer "
		if len(authorization) < len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
		}

		tokenString := strings.TrimSpace(authorization[len(bearer):])
		if tokenString == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		if subject, err := token.Claims.GetSubject(); err == nil && subject != "" {
			c.Locals(clientIDKey, subject)
		}

		return c.Next()
	}
}

// Optional returns the handler when enabled and a pass-through otherwise.
func Optional(enabled bool, handler fiber.Handler) fiber.Handler {
	if !enabled || handler == nil {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return handler
}

const clientIDKey = "client_id"

// ClientID returns the authenticated client subject, if any.
func ClientID(c *fiber.Ctx) string {
	if value, ok := c.Locals(clientIDKey).(string); ok {
		return value
	}
	return ""
}

package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
)

// LocalUserID is the fiber Locals key holding the authenticated user id.
const LocalUserID = "user_id"

type TokenValidator interface {
	Validate(token string) (string, error)
}

// JWTAuth requires a bearer token in the Authorization header.
func JWTAuth(v TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			metrics.AuthFailures.WithLabelValues("http").Inc()
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": apperr.PublicMessage(err)})
		}
		sub, err := v.Validate(token)
		if err != nil {
			metrics.AuthFailures.WithLabelValues("http").Inc()
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": apperr.PublicMessage(err)})
		}
		c.Locals(LocalUserID, sub)
		return c.Next()
	}
}

// UserID reads the id set by JWTAuth.
func UserID(c *fiber.Ctx) string {
	uid, _ := c.Locals(LocalUserID).(string)
	return uid
}

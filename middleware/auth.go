package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRoles = "X-User-Roles"

	LocalUserID    = "user_id"
	LocalUserRoles = "user_roles"
)

// UserContext reads the identity the gateway attaches after authenticating
// the caller. Routes behind it require X-User-ID.
func UserContext(logger zerolog.Logger) fiber.Handler {
	log := logger.With().Str("component", "user_context").Logger()
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get(HeaderUserID))
		if userID == "" {
			log.Warn().Str("path", c.Path()).Msg("❌ [USER_CTX] X-User-ID missing on secured route")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID, request must come through gateway with auth context",
			})
		}

		var roles []string
		for _, r := range strings.Split(c.Get(HeaderUserRoles), ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}

		c.Locals(LocalUserID, userID)
		c.Locals(LocalUserRoles, roles)
		return c.Next()
	}
}

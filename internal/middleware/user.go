package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	userIDHeader = "X-User-ID"
	userIDLocal  = "user_id"
)

// TrustedUser reads the caller identity the API gateway resolved upstream.
// Requests without it are rejected.
func TrustedUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get(userIDHeader))
		if userID == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing "+userIDHeader+" header")
		}
		c.Locals(userIDLocal, userID)
		return c.Next()
	}
}

// UserID returns the caller set by TrustedUser, or "" on unauthenticated routes.
func UserID(c *fiber.Ctx) string {
	userID, _ := c.Locals(userIDLocal).(string)
	return userID
}

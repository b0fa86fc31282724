package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	webhookSignatureHeader = "X-Webhook-Signature"
	opsTokenHeader         = "X-Ops-Token"
)

// WebhookSignature is the hex HMAC-SHA256 of body under secret, as sent in
// X-Webhook-Signature.
func WebhookSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedWebhook rejects provider callbacks whose body is not signed with
// secret. With no secret configured every callback is rejected.
func SignedWebhook(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return fiber.NewError(http.StatusUnauthorized, "webhook signing is not configured")
		}
		got := strings.TrimPrefix(strings.TrimSpace(c.Get(webhookSignatureHeader)), "sha256=")
		sig, err := hex.DecodeString(got)
		if err != nil || len(sig) == 0 {
			return fiber.NewError(http.StatusUnauthorized, "missing or malformed "+webhookSignatureHeader+" header")
		}
		want, _ := hex.DecodeString(WebhookSignature(secret, c.Body()))
		if !hmac.Equal(sig, want) {
			return fiber.NewError(http.StatusUnauthorized, "invalid webhook signature")
		}
		return c.Next()
	}
}

// OperatorToken guards operator endpoints with a shared token.
func OperatorToken(token string) fiber.Handler {
	expected := sha256.Sum256([]byte(token))
	return func(c *fiber.Ctx) error {
		provided := c.Get(opsTokenHeader)
		if token == "" || provided == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing "+opsTokenHeader+" header")
		}
		got := sha256.Sum256([]byte(provided))
		if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "invalid operator token")
		}
		return c.Next()
	}
}

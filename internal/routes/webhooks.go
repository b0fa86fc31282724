package routes

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterWebhookRoutes wires provider callbacks.
func RegisterWebhookRoutes(r fiber.Router, d Deps) {
	r.Post("/funding", d.Funding.Webhook)
	r.Post("/disputes", d.Disputes.Webhook)
}

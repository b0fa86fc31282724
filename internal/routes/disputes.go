package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/cardledger/internal/middleware"
)

// RegisterDisputeRoutes wires dispute endpoints. Creation is rate limited
// per user.
func RegisterDisputeRoutes(transactions, disputes fiber.Router, d Deps) {
	h := d.Disputes
	limit := middleware.RateLimit(d.Cache, "dispute", d.Cfg.DisputeRatePerMin, d.Logger)

	transactions.Get("/:txId/dispute/eligibility", h.Eligibility)
	transactions.Post("/:txId/disputes", limit, h.Create)

	disputes.Get("/:disputeId", h.Get)
	disputes.Get("/:disputeId/events", h.Events)
	disputes.Post("/:disputeId/cancel", h.Cancel)
}

// RegisterOpsRoutes wires operator endpoints behind the operator token.
func RegisterOpsRoutes(r fiber.Router, d Deps) {
	r.Post("/disputes/:disputeId/retry-fee", d.Disputes.RetryFee)
	r.Get("/cards/:cardId/reconcile", d.Cards.Reconcile)
}

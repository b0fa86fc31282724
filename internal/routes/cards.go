package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/cardledger/internal/cards"
	"github.com/congo-pay/cardledger/internal/funding"
)

// RegisterCardRoutes wires card lifecycle, ledger and funding endpoints.
func RegisterCardRoutes(r fiber.Router, h *cards.Handler, fh *funding.Handler) {
	r.Post("/", h.Provision)
	r.Get("/:cardId", h.Get)
	r.Get("/:cardId/balance", h.Balance)
	r.Get("/:cardId/transactions", h.Transactions)
	r.Post("/:cardId/freeze", h.Freeze)
	r.Post("/:cardId/unfreeze", h.Unfreeze)
	r.Post("/:cardId/limit", h.UpdateLimit)
	r.Post("/:cardId/reissue", h.Reissue)

	r.Post("/:cardId/funding/initialize", fh.Initialize)
	r.Post("/:cardId/funding/execute", fh.Execute)
}

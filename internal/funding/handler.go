package funding

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/middleware"
)

// Handler exposes HTTP endpoints for card funding flows.
type Handler struct {
	workflow *Workflow
}

// NewHandler constructs a funding handler.
func NewHandler(workflow *Workflow) *Handler {
	return &Handler{workflow: workflow}
}

// Initialize prices a card top-up.
func (h *Handler) Initialize(c *fiber.Ctx) error {
	var req InitializeRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Validation("malformed body: %v", err)
	}

	qc, err := h.workflow.Initialize(c.UserContext(), InitializeInput{
		UserID:   middleware.UserID(c),
		CardID:   c.Params("cardId"),
		Currency: req.Currency,
		Amount:   req.Amount,
		RateID:   req.RateID,
		Method:   req.Method,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toPreview(qc))
}

// Execute records the pending deposit for a quote.
func (h *Handler) Execute(c *fiber.Ctx) error {
	var req ExecuteRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Validation("malformed body: %v", err)
	}

	exec, err := h.workflow.Execute(c.UserContext(), ExecuteInput{
		UserID:    middleware.UserID(c),
		CardID:    c.Params("cardId"),
		Reference: req.Reference,
	})
	if err != nil {
		return err
	}

	status := http.StatusAccepted
	if exec.Replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(toTransactionResponse(exec.Transaction, exec.Quote.Reference, exec.Replayed))
}

// Webhook settles a deposit from the provider's completion callback.
func (h *Handler) Webhook(c *fiber.Ctx) error {
	var req WebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Validation("malformed body: %v", err)
	}

	var succeeded bool
	switch req.Status {
	case "successful", "completed":
		succeeded = true
	case "declined", "failed":
	default:
		return apperr.Validation("unknown funding status %q", req.Status)
	}

	row, err := h.workflow.Complete(c.UserContext(), CompleteInput{
		TransactionID: req.TransactionID,
		Succeeded:     succeeded,
		ProviderRef:   req.ProviderRef,
		Reason:        req.Reason,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toTransactionResponse(row, "", false))
}

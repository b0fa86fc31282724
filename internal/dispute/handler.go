package dispute

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/middleware"
)

// Handler exposes dispute endpoints.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Eligibility(c *fiber.Ctx) error {
	txID := c.Params("txId")
	e, err := h.engine.CheckEligibility(c.UserContext(), middleware.UserID(c), txID)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toEligibilityResponse(txID, e))
}

// Create opens a dispute. A dispute whose fee could not be charged is still
// returned, with 202 and fee_settlement_pending set.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req CreateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperr.Validation("malformed body: %v", err)
		}
	}

	d, err := h.engine.Create(c.UserContext(), CreateInput{
		UserID:        middleware.UserID(c),
		TransactionID: c.Params("txId"),
		Evidence:      req.Evidence,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrProvider) && d.ID != "" {
			return c.Status(http.StatusAccepted).JSON(toDisputeResponse(d))
		}
		return err
	}
	return c.Status(http.StatusCreated).JSON(toDisputeResponse(d))
}

func (h *Handler) Get(c *fiber.Ctx) error {
	d, err := h.engine.Get(c.UserContext(), middleware.UserID(c), c.Params("disputeId"))
	if err != nil {
		return err
	}
	return c.JSON(toDisputeResponse(d))
}

func (h *Handler) Events(c *fiber.Ctx) error {
	events, err := h.engine.Events(c.UserContext(), middleware.UserID(c), c.Params("disputeId"))
	if err != nil {
		return err
	}
	return c.JSON(toEventResponses(events))
}

func (h *Handler) Cancel(c *fiber.Ctx) error {
	var req CancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperr.Validation("malformed body: %v", err)
		}
	}
	d, err := h.engine.Transition(c.UserContext(), TransitionInput{
		DisputeID: c.Params("disputeId"),
		Status:    domain.DisputeCanceled,
		Actor:     domain.ActorUser,
		Note:      req.Note,
		UserID:    middleware.UserID(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(toDisputeResponse(d))
}

// Webhook applies a provider status update.
func (h *Handler) Webhook(c *fiber.Ctx) error {
	var req WebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Validation("malformed body: %v", err)
	}
	d, err := h.engine.Transition(c.UserContext(), TransitionInput{
		DisputeID: req.DisputeID,
		Status:    req.Status,
		Actor:     domain.ActorProvider,
		Note:      req.Note,
	})
	if err != nil {
		return err
	}
	return c.JSON(toDisputeResponse(d))
}

// RetryFee settles a dispute fee left pending by a failed charge.
func (h *Handler) RetryFee(c *fiber.Ctx) error {
	d, err := h.engine.RetryFeeSettlement(c.UserContext(), c.Params("disputeId"))
	if err != nil {
		return err
	}
	return c.JSON(toDisputeResponse(d))
}

package cards

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/fees"
	"github.com/congo-pay/cardledger/internal/middleware"
	"github.com/congo-pay/cardledger/internal/store"
)

// Handler exposes card HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a card handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Provision(c *fiber.Ctx) error {
	var req ProvisionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperr.Validation("malformed body: %v", err)
		}
	}
	card, err := h.service.Provision(c.UserContext(), ProvisionInput{
		UserID:      middleware.UserID(c),
		Kind:        req.Kind,
		Currency:    req.Currency,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toCardResponse(card))
}

func (h *Handler) Get(c *fiber.Ctx) error {
	card, err := h.service.Get(c.UserContext(), middleware.UserID(c), c.Params("cardId"))
	if err != nil {
		return err
	}
	return c.JSON(toCardResponse(card))
}

func (h *Handler) Balance(c *fiber.Ctx) error {
	bal, err := h.service.Balance(c.UserContext(), middleware.UserID(c), c.Params("cardId"))
	if err != nil {
		return err
	}
	return c.JSON(toBalanceResponse(bal))
}

// Reconcile reports whether a card balance matches its settled log.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	rec, err := h.service.Reconcile(c.UserContext(), c.Params("cardId"))
	if err != nil {
		return err
	}
	return c.JSON(toReconciliationResponse(rec))
}

// Transactions lists the card log. Query: type (comma separated), status,
// limit, offset.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	filter := store.TransactionFilter{
		Status: domain.TxStatus(c.Query("status")),
		Limit:  c.QueryInt("limit"),
		Offset: c.QueryInt("offset"),
	}
	if types := c.Query("type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, domain.TxType(strings.TrimSpace(t)))
		}
	}

	rows, err := h.service.Transactions(c.UserContext(), middleware.UserID(c), c.Params("cardId"), filter)
	if err != nil {
		return err
	}
	return c.JSON(toTransactionResponses(rows))
}

func (h *Handler) Freeze(c *fiber.Ctx) error {
	card, err := h.service.Freeze(c.UserContext(), middleware.UserID(c), c.Params("cardId"))
	if err != nil {
		return err
	}
	return c.JSON(toCardResponse(card))
}

func (h *Handler) Unfreeze(c *fiber.Ctx) error {
	card, err := h.service.Unfreeze(c.UserContext(), middleware.UserID(c), c.Params("cardId"))
	if err != nil {
		return err
	}
	return c.JSON(toCardResponse(card))
}

func (h *Handler) UpdateLimit(c *fiber.Ctx) error {
	var req LimitRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.Validation("malformed body: %v", err)
	}
	card, err := h.service.UpdateLimit(c.UserContext(), LimitInput{
		UserID:    middleware.UserID(c),
		CardID:    c.Params("cardId"),
		Amount:    fees.ToMinorFloor(req.Amount),
		Frequency: req.Frequency,
	})
	if err != nil {
		return err
	}
	return c.JSON(toCardResponse(card))
}

func (h *Handler) Reissue(c *fiber.Ctx) error {
	var req ReissueRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return apperr.Validation("malformed body: %v", err)
		}
	}
	res, err := h.service.Reissue(c.UserContext(), ReissueInput{
		UserID:      middleware.UserID(c),
		CardID:      c.Params("cardId"),
		DisplayName: req.DisplayName,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(ReissueResponse{
		Old:      toCardResponse(res.Old),
		New:      toCardResponse(res.New),
		Residual: money(res.Transfer.Amount),
	})
}

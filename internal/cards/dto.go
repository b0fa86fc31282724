package cards

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/fees"
	"github.com/congo-pay/cardledger/internal/ledger"
)

type ProvisionRequest struct {
	Kind        domain.CardKind `json:"kind"`
	Currency    string          `json:"currency"`
	DisplayName string          `json:"display_name"`
}

// LimitRequest carries the spend limit in major units.
type LimitRequest struct {
	Amount    decimal.Decimal       `json:"amount"`
	Frequency domain.LimitFrequency `json:"frequency"`
}

type ReissueRequest struct {
	DisplayName string `json:"display_name"`
}

type CardResponse struct {
	ID                string                   `json:"id"`
	Kind              domain.CardKind          `json:"kind"`
	Status            domain.CardStatus        `json:"status"`
	Currency          string                   `json:"currency"`
	Balance           string                   `json:"balance"`
	SpendLimit        string                   `json:"spend_limit"`
	LimitFrequency    domain.LimitFrequency    `json:"limit_frequency"`
	IssuanceFeeStatus domain.IssuanceFeeStatus `json:"issuance_fee_status"`
	DisplayName       string                   `json:"display_name,omitempty"`
	LastFour          string                   `json:"last_four,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
}

type BalanceResponse struct {
	CardID        string `json:"card_id"`
	Balance       string `json:"balance"`
	HolderBalance string `json:"holder_balance"`
	Currency      string `json:"currency"`
}

type ReconciliationResponse struct {
	CardID     string `json:"card_id"`
	Balance    string `json:"balance"`
	Settled    string `json:"settled"`
	Consistent bool   `json:"consistent"`
}

type TransactionResponse struct {
	ID            string           `json:"id"`
	Type          domain.TxType    `json:"type"`
	Status        domain.TxStatus  `json:"status"`
	Direction     domain.Direction `json:"direction"`
	Amount        string           `json:"amount"`
	Fee           string           `json:"fee"`
	Currency      string           `json:"currency"`
	BalanceBefore *string          `json:"balance_before"`
	BalanceAfter  *string          `json:"balance_after"`
	Description   string           `json:"description,omitempty"`
	MerchantName  string           `json:"merchant_name,omitempty"`
	ParentRef     string           `json:"parent_ref,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

type ReissueResponse struct {
	Old      CardResponse `json:"old_card"`
	New      CardResponse `json:"new_card"`
	Residual string       `json:"residual"`
}

func money(minor int64) string { return fees.ToMajor(minor).StringFixed(2) }

func optionalMoney(minor *int64) *string {
	if minor == nil {
		return nil
	}
	s := money(*minor)
	return &s
}

func toCardResponse(c domain.Card) CardResponse {
	return CardResponse{
		ID:                c.ID,
		Kind:              c.Kind,
		Status:            c.Status,
		Currency:          c.Currency,
		Balance:           money(c.Balance),
		SpendLimit:        money(c.SpendLimit),
		LimitFrequency:    c.LimitFrequency,
		IssuanceFeeStatus: c.IssuanceFeeStatus,
		DisplayName:       c.DisplayName,
		LastFour:          c.LastFour,
		CreatedAt:         c.CreatedAt,
	}
}

func toBalanceResponse(b ledger.Balance) BalanceResponse {
	return BalanceResponse{
		CardID:        b.CardID,
		Balance:       money(b.Amount),
		HolderBalance: money(b.HolderBalance),
		Currency:      b.Currency,
	}
}

func toReconciliationResponse(r ledger.Reconciliation) ReconciliationResponse {
	return ReconciliationResponse{
		CardID:     r.CardID,
		Balance:    money(r.Balance),
		Settled:    money(r.Settled),
		Consistent: r.Consistent(),
	}
}

func toTransactionResponses(rows []domain.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, TransactionResponse{
			ID:            r.ID,
			Type:          r.Type,
			Status:        r.Status,
			Direction:     r.Direction,
			Amount:        money(r.Amount),
			Fee:           money(r.Fee),
			Currency:      r.Currency,
			BalanceBefore: optionalMoney(r.BalanceBefore),
			BalanceAfter:  optionalMoney(r.BalanceAfter),
			Description:   r.Description,
			MerchantName:  r.MerchantName,
			ParentRef:     r.ParentRef,
			CreatedAt:     r.CreatedAt,
		})
	}
	return out
}

package funding

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/fees"
)

// InitializeRequest captures a top-up to price.
type InitializeRequest struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	RateID   string          `json:"rate_id"`
	Method   Method          `json:"method"`
}

type ExecuteRequest struct {
	Reference string `json:"reference"`
}

// WebhookRequest is the provider's completion callback for a deposit.
type WebhookRequest struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	ProviderRef   string `json:"provider_ref"`
	Reason        string `json:"reason"`
}

// PreviewResponse mirrors a stored quote. Amounts are USD decimal strings.
type PreviewResponse struct {
	Reference     string    `json:"reference"`
	CardID        string    `json:"card_id"`
	Method        Method    `json:"method"`
	LocalCurrency string    `json:"local_currency"`
	LocalAmount   string    `json:"local_amount"`
	Rate          string    `json:"rate"`
	AmountUSD     string    `json:"amount_usd"`
	FeeUSD        string    `json:"fee_usd"`
	NetUSD        string    `json:"net_usd"`
	FirstDeposit  bool      `json:"first_deposit"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type TransactionResponse struct {
	TransactionID string          `json:"transaction_id"`
	CardID        string          `json:"card_id"`
	Status        domain.TxStatus `json:"status"`
	Amount        string          `json:"amount"`
	Fee           string          `json:"fee"`
	Reference     string          `json:"reference,omitempty"`
	Replayed      bool            `json:"replayed,omitempty"`
}

func toPreview(qc QuoteContext) PreviewResponse {
	return PreviewResponse{
		Reference:     qc.Reference,
		CardID:        qc.CardID,
		Method:        qc.Method,
		LocalCurrency: qc.LocalCurrency,
		LocalAmount:   qc.LocalAmount.String(),
		Rate:          qc.Rate.String(),
		AmountUSD:     fees.ToMajor(qc.USDAmount).StringFixed(2),
		FeeUSD:        fees.ToMajor(qc.Fee).StringFixed(2),
		NetUSD:        fees.ToMajor(qc.Net).StringFixed(2),
		FirstDeposit:  qc.FirstDeposit,
		ExpiresAt:     qc.ExpiresAt,
	}
}

func toTransactionResponse(row domain.Transaction, reference string, replayed bool) TransactionResponse {
	return TransactionResponse{
		TransactionID: row.ID,
		CardID:        row.CardID,
		Status:        row.Status,
		Amount:        fees.ToMajor(row.Amount).StringFixed(2),
		Fee:           fees.ToMajor(row.Fee).StringFixed(2),
		Reference:     reference,
		Replayed:      replayed,
	}
}

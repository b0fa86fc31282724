package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeGateway quotes and executes currency conversions into the card
// currency.
type ExchangeGateway interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

type QuoteRequest struct {
	From   string
	To     string
	Amount decimal.Decimal
	RateID string
}

// Quote is a priced conversion valid until ExpiresAt. Reference identifies it
// for the later Transfer.
type Quote struct {
	Reference       string
	AmountToReceive decimal.Decimal
	FeeLocal        decimal.Decimal
	FeeUSD          decimal.Decimal
	Rate            decimal.Decimal
	ExpiresAt       time.Time
}

// TransferRequest moves a quoted amount to a card. Providers must treat a
// repeated IdempotencyKey as the same transfer.
type TransferRequest struct {
	Reference      string
	Amount         decimal.Decimal
	Destination    string
	IdempotencyKey string
}

type TransferStatus string

const (
	TransferCompleted TransferStatus = "completed"
	TransferPending   TransferStatus = "pending"
	TransferFailed    TransferStatus = "failed"
)

type TransferResult struct {
	Reference string
	Status    TransferStatus
}

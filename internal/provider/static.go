package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
)

// StaticGateway simulates a provider that approves every request.
type StaticGateway struct{}

func (StaticGateway) CreateCardHolder(_ context.Context, _ HolderRequest) (HolderSnapshot, error) {
	return HolderSnapshot{Ref: "holder_" + uuid.NewString(), Status: domain.HolderStatusApproved}, nil
}

func (StaticGateway) CreateCard(_ context.Context, req CardRequest) (CardSnapshot, error) {
	ref := uuid.NewString()
	return CardSnapshot{
		Ref:            "card_" + ref,
		Status:         domain.CardStatusActive,
		LimitFrequency: domain.LimitAllTime,
		LastFour:       fmt.Sprintf("%04d", uuid.MustParse(ref).ID()%10000),
	}, nil
}

func (StaticGateway) UpdateCardStatus(_ context.Context, cardRef string, status domain.CardStatus) (CardSnapshot, error) {
	return CardSnapshot{Ref: cardRef, Status: status}, nil
}

func (StaticGateway) UpdateCardLimit(_ context.Context, cardRef string, amount int64, frequency domain.LimitFrequency) (CardSnapshot, error) {
	return CardSnapshot{Ref: cardRef, Status: domain.CardStatusActive, SpendLimit: amount, LimitFrequency: frequency}, nil
}

func (StaticGateway) ChargeCardHolder(_ context.Context, _ string, _ int64, _ string) (Charge, error) {
	return Charge{ProviderRef: "charge_" + uuid.NewString(), CreatedAt: time.Now().UTC()}, nil
}

func (StaticGateway) CreateDispute(_ context.Context, _ string, _ string) (DisputeCase, error) {
	return DisputeCase{ID: "dispute_" + uuid.NewString(), Status: domain.DisputePending}, nil
}

// StaticExchange prices conversions from a fixed rate table keyed "FROM/TO".
type StaticExchange struct {
	Rates    map[string]decimal.Decimal
	FeeRate  decimal.Decimal
	QuoteTTL time.Duration
}

// NewStaticExchange returns an exchange with a few sample USD rates.
func NewStaticExchange(quoteTTL time.Duration) *StaticExchange {
	return &StaticExchange{
		Rates: map[string]decimal.Decimal{
			"XAF/USD": decimal.RequireFromString("0.00165"),
			"XOF/USD": decimal.RequireFromString("0.00165"),
			"NGN/USD": decimal.RequireFromString("0.00065"),
			"KES/USD": decimal.RequireFromString("0.0077"),
			"EUR/USD": decimal.RequireFromString("1.08"),
		},
		FeeRate:  decimal.RequireFromString("0.005"),
		QuoteTTL: quoteTTL,
	}
}

func (e *StaticExchange) Quote(_ context.Context, req QuoteRequest) (Quote, error) {
	pair := strings.ToUpper(req.From) + "/" + strings.ToUpper(req.To)
	rate, ok := e.Rates[pair]
	if !ok {
		return Quote{}, apperr.Validation("no exchange rate for %s", pair)
	}
	feeLocal := req.Amount.Mul(e.FeeRate).Round(2)
	received := req.Amount.Sub(feeLocal).Mul(rate).RoundFloor(2)
	return Quote{
		Reference:       "fx_" + uuid.NewString(),
		AmountToReceive: received,
		FeeLocal:        feeLocal,
		FeeUSD:          feeLocal.Mul(rate).Round(2),
		Rate:            rate,
		ExpiresAt:       time.Now().UTC().Add(e.QuoteTTL),
	}, nil
}

func (e *StaticExchange) Transfer(_ context.Context, req TransferRequest) (TransferResult, error) {
	return TransferResult{Reference: req.Reference, Status: TransferCompleted}, nil
}

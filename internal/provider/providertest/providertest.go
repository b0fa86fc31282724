// Package providertest provides recording provider fakes for service tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/provider"
)

// ErrDeclined is the default failure returned by injected faults.
var ErrDeclined = errors.New("provider declined the request")

type ChargeCall struct {
	HolderRef   string
	Amount      int64
	Description string
}

type StatusCall struct {
	CardRef string
	Status  domain.CardStatus
}

type LimitCall struct {
	CardRef   string
	Amount    int64
	Frequency domain.LimitFrequency
}

// Gateway records every call. Leading calls fail while the matching
// *Failures counter is positive; the *Err fields fail every call.
type Gateway struct {
	mu sync.Mutex

	ChargeFailures int
	ChargeErr      error
	DisputeErr     error
	StatusErr      error
	LimitErr       error
	Delay          time.Duration

	Charges       []ChargeCall
	Disputes      []string
	StatusUpdates []StatusCall
	Limits        []LimitCall
	cards         int
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.Delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.Delay):
		return nil
	}
}

func (g *Gateway) CreateCardHolder(_ context.Context, req provider.HolderRequest) (provider.HolderSnapshot, error) {
	return provider.HolderSnapshot{Ref: "holder-ref-" + req.UserID, Status: domain.HolderStatusApproved}, nil
}

func (g *Gateway) CreateCard(_ context.Context, req provider.CardRequest) (provider.CardSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cards++
	return provider.CardSnapshot{
		Ref:            fmt.Sprintf("card-ref-%d", g.cards),
		Status:         domain.CardStatusActive,
		LimitFrequency: domain.LimitAllTime,
		LastFour:       fmt.Sprintf("%04d", 4240+g.cards),
	}, nil
}

func (g *Gateway) UpdateCardStatus(ctx context.Context, cardRef string, status domain.CardStatus) (provider.CardSnapshot, error) {
	if err := g.wait(ctx); err != nil {
		return provider.CardSnapshot{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.StatusUpdates = append(g.StatusUpdates, StatusCall{CardRef: cardRef, Status: status})
	if g.StatusErr != nil {
		return provider.CardSnapshot{}, g.StatusErr
	}
	return provider.CardSnapshot{Ref: cardRef, Status: status}, nil
}

func (g *Gateway) UpdateCardLimit(_ context.Context, cardRef string, amount int64, frequency domain.LimitFrequency) (provider.CardSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Limits = append(g.Limits, LimitCall{CardRef: cardRef, Amount: amount, Frequency: frequency})
	if g.LimitErr != nil {
		return provider.CardSnapshot{}, g.LimitErr
	}
	return provider.CardSnapshot{Ref: cardRef, Status: domain.CardStatusActive, SpendLimit: amount, LimitFrequency: frequency}, nil
}

func (g *Gateway) ChargeCardHolder(ctx context.Context, holderRef string, amount int64, description string) (provider.Charge, error) {
	if err := g.wait(ctx); err != nil {
		return provider.Charge{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Charges = append(g.Charges, ChargeCall{HolderRef: holderRef, Amount: amount, Description: description})
	if g.ChargeFailures > 0 {
		g.ChargeFailures--
		return provider.Charge{}, ErrDeclined
	}
	if g.ChargeErr != nil {
		return provider.Charge{}, g.ChargeErr
	}
	return provider.Charge{ProviderRef: fmt.Sprintf("charge-%d", len(g.Charges)), CreatedAt: time.Now().UTC()}, nil
}

func (g *Gateway) CreateDispute(_ context.Context, transactionRef, _ string) (provider.DisputeCase, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Disputes = append(g.Disputes, transactionRef)
	if g.DisputeErr != nil {
		return provider.DisputeCase{}, g.DisputeErr
	}
	return provider.DisputeCase{ID: "case-" + transactionRef, Status: domain.DisputePending}, nil
}

// ChargeCount returns the number of charge attempts so far.
func (g *Gateway) ChargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Charges)
}

// Exchange is a fixed-rate exchange fake.
type Exchange struct {
	mu sync.Mutex

	Rate           decimal.Decimal
	FeeLocal       decimal.Decimal
	ExpiresIn      time.Duration
	QuoteErr       error
	TransferErr    error
	TransferStatus provider.TransferStatus

	Quotes    []provider.QuoteRequest
	Transfers []provider.TransferRequest
}

func (e *Exchange) Quote(_ context.Context, req provider.QuoteRequest) (provider.Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Quotes = append(e.Quotes, req)
	if e.QuoteErr != nil {
		return provider.Quote{}, e.QuoteErr
	}
	expires := e.ExpiresIn
	if expires == 0 {
		expires = 10 * time.Minute
	}
	return provider.Quote{
		Reference:       fmt.Sprintf("fx-%d", len(e.Quotes)),
		AmountToReceive: req.Amount.Sub(e.FeeLocal).Mul(e.Rate).RoundFloor(2),
		FeeLocal:        e.FeeLocal,
		FeeUSD:          e.FeeLocal.Mul(e.Rate).Round(2),
		Rate:            e.Rate,
		ExpiresAt:       time.Now().UTC().Add(expires),
	}, nil
}

func (e *Exchange) Transfer(_ context.Context, req provider.TransferRequest) (provider.TransferResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Transfers = append(e.Transfers, req)
	if e.TransferErr != nil {
		return provider.TransferResult{}, e.TransferErr
	}
	status := e.TransferStatus
	if status == "" {
		status = provider.TransferCompleted
	}
	return provider.TransferResult{Reference: req.Reference, Status: status}, nil
}

package provider

import (
	"context"
	"time"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/metrics"
)

// call bounds fn by timeout, records metrics and classifies failures as
// provider errors.
func call[T any](ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := fn(ctx)
	metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(op, metrics.OutcomeFailure).Inc()
		if apperr.KindOf(err) == apperr.KindValidation {
			return out, err
		}
		return out, apperr.Provider(err, "provider "+op+" failed")
	}
	metrics.ProviderCalls.WithLabelValues(op, metrics.OutcomeSuccess).Inc()
	return out, nil
}

type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout bounds every call to g by timeout. Errors surface as
// apperr provider errors.
func WithTimeout(g Gateway, timeout time.Duration) Gateway {
	return &timeoutGateway{next: g, timeout: timeout}
}

func (t *timeoutGateway) CreateCardHolder(ctx context.Context, req HolderRequest) (HolderSnapshot, error) {
	return call(ctx, t.timeout, "create_card_holder", func(ctx context.Context) (HolderSnapshot, error) {
		return t.next.CreateCardHolder(ctx, req)
	})
}

func (t *timeoutGateway) CreateCard(ctx context.Context, req CardRequest) (CardSnapshot, error) {
	return call(ctx, t.timeout, "create_card", func(ctx context.Context) (CardSnapshot, error) {
		return t.next.CreateCard(ctx, req)
	})
}

func (t *timeoutGateway) UpdateCardStatus(ctx context.Context, cardRef string, status domain.CardStatus) (CardSnapshot, error) {
	return call(ctx, t.timeout, "update_card_status", func(ctx context.Context) (CardSnapshot, error) {
		return t.next.UpdateCardStatus(ctx, cardRef, status)
	})
}

func (t *timeoutGateway) UpdateCardLimit(ctx context.Context, cardRef string, amount int64, frequency domain.LimitFrequency) (CardSnapshot, error) {
	return call(ctx, t.timeout, "update_card_limit", func(ctx context.Context) (CardSnapshot, error) {
		return t.next.UpdateCardLimit(ctx, cardRef, amount, frequency)
	})
}

func (t *timeoutGateway) ChargeCardHolder(ctx context.Context, holderRef string, amount int64, description string) (Charge, error) {
	return call(ctx, t.timeout, "charge_card_holder", func(ctx context.Context) (Charge, error) {
		return t.next.ChargeCardHolder(ctx, holderRef, amount, description)
	})
}

func (t *timeoutGateway) CreateDispute(ctx context.Context, transactionRef, evidence string) (DisputeCase, error) {
	return call(ctx, t.timeout, "create_dispute", func(ctx context.Context) (DisputeCase, error) {
		return t.next.CreateDispute(ctx, transactionRef, evidence)
	})
}

type timeoutExchange struct {
	next    ExchangeGateway
	timeout time.Duration
}

// ExchangeWithTimeout is WithTimeout for the exchange provider.
func ExchangeWithTimeout(e ExchangeGateway, timeout time.Duration) ExchangeGateway {
	return &timeoutExchange{next: e, timeout: timeout}
}

func (t *timeoutExchange) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	return call(ctx, t.timeout, "exchange_quote", func(ctx context.Context) (Quote, error) {
		return t.next.Quote(ctx, req)
	})
}

func (t *timeoutExchange) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	return call(ctx, t.timeout, "exchange_transfer", func(ctx context.Context) (TransferResult, error) {
		return t.next.Transfer(ctx, req)
	})
}

package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/provider"
	"github.com/congo-pay/cardledger/internal/provider/providertest"
)

func TestWithTimeout_ClassifiesFailures(t *testing.T) {
	fake := &providertest.Gateway{ChargeErr: errors.New("upstream 500")}
	gw := provider.WithTimeout(fake, time.Second)

	_, err := gw.ChargeCardHolder(context.Background(), "holder-ref", 100, "fee")
	assert.ErrorIs(t, err, apperr.ErrProvider)
	assert.Equal(t, 1, fake.ChargeCount())
}

func TestWithTimeout_BoundsSlowCalls(t *testing.T) {
	fake := &providertest.Gateway{Delay: time.Second}
	gw := provider.WithTimeout(fake, 10*time.Millisecond)

	start := time.Now()
	_, err := gw.UpdateCardStatus(context.Background(), "card-ref", domain.CardStatusInactive)
	assert.ErrorIs(t, err, apperr.ErrProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWithTimeout_PassesThroughSuccess(t *testing.T) {
	gw := provider.WithTimeout(&providertest.Gateway{}, time.Second)

	snap, err := gw.UpdateCardLimit(context.Background(), "card-ref", 5_000, domain.LimitMonthly)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), snap.SpendLimit)
	assert.Equal(t, domain.LimitMonthly, snap.LimitFrequency)
}

func TestStaticExchange_Quote(t *testing.T) {
	ex := provider.ExchangeWithTimeout(provider.NewStaticExchange(5*time.Minute), time.Second)

	q, err := ex.Quote(context.Background(), provider.QuoteRequest{From: "xaf", To: "USD", Amount: decimal.NewFromInt(10_000)})
	require.NoError(t, err)
	assert.NotEmpty(t, q.Reference)
	assert.True(t, q.AmountToReceive.Equal(decimal.RequireFromString("16.41")), "got %s", q.AmountToReceive)
	assert.True(t, q.ExpiresAt.After(time.Now()))

	_, err = ex.Quote(context.Background(), provider.QuoteRequest{From: "JPY", To: "USD", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

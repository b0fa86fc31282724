package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTxStatusTransitions(t *testing.T) {
	assert.True(t, TxPending.CanTransitionTo(TxSuccessful))
	assert.True(t, TxPending.CanTransitionTo(TxDeclined))
	assert.False(t, TxSuccessful.CanTransitionTo(TxDeclined))
	assert.False(t, TxDeclined.CanTransitionTo(TxSuccessful))
}

func TestDisputeStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to DisputeStatus
		allowed  bool
	}{
		{DisputePending, DisputeInReview, true},
		{DisputePending, DisputeCanceled, true},
		{DisputeInReview, DisputeAccepted, true},
		{DisputeInReview, DisputePending, false},
		{DisputeAccepted, DisputeRejected, false},
		{DisputeCanceled, DisputeInReview, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.True(t, DisputeInReview.Active())
	assert.False(t, DisputeAccepted.Active())
	assert.True(t, DisputeRejected.Terminal())
}

func TestMagnitude(t *testing.T) {
	assert.Equal(t, int64(150), Transaction{Amount: -150}.Magnitude())
	assert.Equal(t, int64(150), Transaction{Amount: 150}.Magnitude())
	assert.True(t, LimitMonthly.Valid())
	assert.False(t, LimitFrequency("hourly").Valid())
}

package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatchesSentinel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     Kind
	}{
		{name: "validation", err: Validation("amount is required"), sentinel: ErrValidation, kind: KindValidation},
		{name: "not found", err: NotFound("card %s not found", "c1"), sentinel: ErrNotFound, kind: KindNotFound},
		{name: "conflict", err: Conflict("locked"), sentinel: ErrConflict, kind: KindConflict},
		{name: "insufficient", err: InsufficientBalance("short"), sentinel: ErrInsufficientBalance, kind: KindInsufficientBalance},
		{name: "provider", err: Provider(errors.New("timeout"), "charge card holder"), sentinel: ErrProvider, kind: KindProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(wrapped))
		})
	}
}

func TestProviderDoesNotDoubleWrap(t *testing.T) {
	inner := Provider(errors.New("boom"), "create dispute")
	outer := Provider(inner, "settle dispute")
	assert.Same(t, inner, outer)
	assert.Nil(t, Provider(nil, "noop"))
}

func TestWithDetailsKeepsEveryReason(t *testing.T) {
	err := WithDetails(KindValidation, "transaction cannot be disputed", []string{"a", "b"})
	assert.Equal(t, []string{"a", "b"}, DetailsOf(err))
	assert.Equal(t, "transaction cannot be disputed: a; b", err.Error())
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

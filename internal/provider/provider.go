// Package provider defines the boundary to the card-issuing provider and the
// foreign-exchange provider. Wire formats live behind these interfaces.
package provider

import (
	"context"
	"time"

	"github.com/congo-pay/cardledger/internal/domain"
)

// Gateway is the card-issuing provider.
type Gateway interface {
	CreateCardHolder(ctx context.Context, req HolderRequest) (HolderSnapshot, error)
	CreateCard(ctx context.Context, req CardRequest) (CardSnapshot, error)
	UpdateCardStatus(ctx context.Context, cardRef string, status domain.CardStatus) (CardSnapshot, error)
	UpdateCardLimit(ctx context.Context, cardRef string, amount int64, frequency domain.LimitFrequency) (CardSnapshot, error)
	ChargeCardHolder(ctx context.Context, holderRef string, amount int64, description string) (Charge, error)
	CreateDispute(ctx context.Context, transactionRef, evidence string) (DisputeCase, error)
}

type HolderRequest struct {
	UserID string
}

type HolderSnapshot struct {
	Ref    string
	Status domain.HolderStatus
}

type CardRequest struct {
	HolderRef   string
	Kind        domain.CardKind
	Currency    string
	DisplayName string
}

// CardSnapshot is the provider's view of a card after a mutation.
type CardSnapshot struct {
	Ref            string
	Status         domain.CardStatus
	SpendLimit     int64
	LimitFrequency domain.LimitFrequency
	LastFour       string
}

// Charge is a confirmed debit of a card holder at the provider.
type Charge struct {
	ProviderRef string
	CreatedAt   time.Time
}

// DisputeCase is the provider's record of an opened dispute.
type DisputeCase struct {
	ID         string
	Status     domain.DisputeStatus
	ResolvedAt *time.Time
}

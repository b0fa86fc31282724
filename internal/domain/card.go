package domain

import "time"

// CardStatus is the lifecycle state of a card at the issuing provider.
type CardStatus string

const (
	CardStatusNotActivated CardStatus = "not_activated"
	CardStatusActive       CardStatus = "active"
	// CardStatusInactive is a frozen card.
	CardStatusInactive CardStatus = "inactive"
	CardStatusBlocked  CardStatus = "blocked"
	CardStatusCanceled CardStatus = "canceled"
)

// CardKind distinguishes virtual from physical cards.
type CardKind string

const (
	CardKindVirtual  CardKind = "virtual"
	CardKindPhysical CardKind = "physical"
)

// IssuanceFeeStatus tracks the one-time issuance fee of a virtual card.
type IssuanceFeeStatus string

const (
	IssuanceFeeNone      IssuanceFeeStatus = "none"
	IssuanceFeePending   IssuanceFeeStatus = "pending"
	IssuanceFeeCompleted IssuanceFeeStatus = "completed"
	// IssuanceFeeFailed is terminal and requires operator follow-up.
	IssuanceFeeFailed IssuanceFeeStatus = "failed"
)

// LimitFrequency is the window a spend limit applies to.
type LimitFrequency string

const (
	LimitPerAuthorization LimitFrequency = "per_authorization"
	LimitDaily            LimitFrequency = "daily"
	LimitWeekly           LimitFrequency = "weekly"
	LimitMonthly          LimitFrequency = "monthly"
	LimitYearly           LimitFrequency = "yearly"
	LimitAllTime          LimitFrequency = "all_time"
)

// Valid reports whether f is a known frequency.
func (f LimitFrequency) Valid() bool {
	switch f {
	case LimitPerAuthorization, LimitDaily, LimitWeekly, LimitMonthly, LimitYearly, LimitAllTime:
		return true
	}
	return false
}

// Card is a funding target. Balance is in minor units.
type Card struct {
	ID                string
	HolderID          string
	UserID            string
	ProviderRef       string
	Kind              CardKind
	Status            CardStatus
	Balance           int64
	Currency          string
	SpendLimit        int64
	LimitFrequency    LimitFrequency
	IssuanceFeeStatus IssuanceFeeStatus
	DisplayName       string
	LastFour          string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HolderStatus mirrors the provider's approval state of a card holder.
type HolderStatus string

const (
	HolderStatusPending  HolderStatus = "pending"
	HolderStatusApproved HolderStatus = "approved"
	HolderStatusRejected HolderStatus = "rejected"
)

// CardHolder aggregates a person's cards at the provider. Balance mirrors the
// sum of the card balances it funds.
type CardHolder struct {
	ID          string
	UserID      string
	ProviderRef string
	Status      HolderStatus
	Balance     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

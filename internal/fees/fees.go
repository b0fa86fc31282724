// Package fees computes card fees. It has no side effects: the schedule is
// injected and every result is derived from the amount and fee type alone.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/congo-pay/cardledger/internal/apperr"
)

// Type identifies a fee category.
type Type string

const (
	TopUpFiat           Type = "top_up_fiat"
	TopUpStablecoin     Type = "top_up_stablecoin"
	VirtualCardIssuance Type = "virtual_card_issuance"
	Dispute             Type = "dispute"
)

// minorUnitExponent is the number of decimal places of a minor unit (cents).
const minorUnitExponent = 2

var hundred = decimal.NewFromInt(100)

// Rule is the pricing of a single fee type. Percentage is expressed in
// percent (1.5 means 1.5%), Fixed in major units.
type Rule struct {
	Percentage        decimal.Decimal
	Fixed             decimal.Decimal
	RequiresChargeAPI bool
}

// Schedule maps each fee type to its rule.
type Schedule map[Type]Rule

// DefaultSchedule is used when configuration does not override a rule.
func DefaultSchedule() Schedule {
	return Schedule{
		TopUpFiat:           {Percentage: decimal.RequireFromString("1.5")},
		TopUpStablecoin:     {Percentage: decimal.RequireFromString("1")},
		VirtualCardIssuance: {Fixed: decimal.NewFromInt(1), RequiresChargeAPI: true},
		Dispute:             {Fixed: decimal.NewFromInt(15), RequiresChargeAPI: true},
	}
}

// Quote is the computed fee for one amount.
type Quote struct {
	Type              Type
	Amount            int64
	Percentage        decimal.Decimal
	Fixed             decimal.Decimal
	RequiresChargeAPI bool
}

// Engine computes fees from a schedule.
type Engine struct {
	schedule Schedule
}

// NewEngine builds an engine over a copy of schedule.
func NewEngine(schedule Schedule) *Engine {
	copied := make(Schedule, len(schedule))
	for k, v := range schedule {
		copied[k] = v
	}
	return &Engine{schedule: copied}
}

// Compute returns the fee for amount, given in major units. The fee is
// rounded up to the next whole minor unit; a positive fee never rounds to 0.
func (e *Engine) Compute(amount decimal.Decimal, feeType Type) (Quote, error) {
	rule, ok := e.schedule[feeType]
	if !ok {
		return Quote{}, apperr.Validation("unknown fee type %q", feeType)
	}
	if amount.IsNegative() {
		return Quote{}, apperr.Validation("amount must not be negative")
	}

	raw := amount.Mul(rule.Percentage).Div(hundred).Add(rule.Fixed)
	minor := raw.Shift(minorUnitExponent).Ceil().IntPart()
	if raw.IsPositive() && minor < 1 {
		minor = 1
	}
	if minor < 0 {
		minor = 0
	}

	return Quote{
		Type:              feeType,
		Amount:            minor,
		Percentage:        rule.Percentage,
		Fixed:             rule.Fixed,
		RequiresChargeAPI: rule.RequiresChargeAPI,
	}, nil
}

// ComputeMinor is Compute for an amount already in minor units.
func (e *Engine) ComputeMinor(amountMinor int64, feeType Type) (Quote, error) {
	return e.Compute(ToMajor(amountMinor), feeType)
}

// RequiresChargeAPI reports whether feeType must be collected through a
// separate provider charge call.
func (e *Engine) RequiresChargeAPI(feeType Type) bool {
	return e.schedule[feeType].RequiresChargeAPI
}

// ToMajor converts minor units to a major-unit decimal.
func ToMajor(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-minorUnitExponent)
}

// ToMinorFloor converts a major-unit amount to minor units, dropping any
// fraction of a minor unit. Used for amounts credited to the user.
func ToMinorFloor(major decimal.Decimal) int64 {
	return major.Shift(minorUnitExponent).Floor().IntPart()
}

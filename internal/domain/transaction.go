package domain

import "time"

// Direction is the side of a ledger entry.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// TxType is the business type of a card transaction.
type TxType string

const (
	TxDeposit  TxType = "deposit"
	TxSpend    TxType = "spend"
	TxFee      TxType = "fee"
	TxTransfer TxType = "transfer"
	TxRefund   TxType = "refund"
	TxReversal TxType = "reversal"
)

// TxStatus is the settlement state of a card transaction.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxSuccessful TxStatus = "successful"
	TxDeclined   TxStatus = "declined"
)

var txTransitions = map[TxStatus][]TxStatus{
	TxPending:    {TxSuccessful, TxDeclined},
	TxSuccessful: {},
	TxDeclined:   {},
}

// CanTransitionTo reports whether a transaction may move from s to next.
func (s TxStatus) CanTransitionTo(next TxStatus) bool {
	for _, allowed := range txTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transaction is an append-only card ledger entry. Amount is signed: debits
// are negative. BalanceBefore/BalanceAfter are written by the ledger in the
// same unit of work that moves the balance; they are nil while pending.
type Transaction struct {
	ID               string
	CardID           string
	HolderID         string
	UserID           string
	Amount           int64
	Currency         string
	Direction        Direction
	Type             TxType
	Status           TxStatus
	BalanceBefore    *int64
	BalanceAfter     *int64
	Fee              int64
	FeeSettled       bool
	ProviderRef      string
	ParentRef        string
	Description      string
	MerchantName     string
	MerchantCategory string
	MCC              string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Magnitude returns the unsigned amount.
func (t Transaction) Magnitude() int64 {
	if t.Amount < 0 {
		return -t.Amount
	}
	return t.Amount
}

// Package store persists cards, card holders, the transaction log and
// disputes. All writes go through a Tx obtained from Store.WithinTx so that
// balance updates and log writes commit or roll back together.
package store

import (
	"context"
	"time"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
)

// TransactionFilter narrows ListTransactions. Zero values mean "any".
type TransactionFilter struct {
	CardID string
	UserID string
	Types  []domain.TxType
	Status domain.TxStatus
	Since  time.Time
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Normalize clamps pagination to sane bounds.
func (f TransactionFilter) Normalize() TransactionFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Reader exposes lock-free reads. Reads may observe pending transactions.
type Reader interface {
	GetCard(ctx context.Context, id string) (domain.Card, error)
	GetHolder(ctx context.Context, id string) (domain.CardHolder, error)
	GetHolderByUser(ctx context.Context, userID string) (domain.CardHolder, error)
	GetTransaction(ctx context.Context, id string) (domain.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error)
	GetDispute(ctx context.Context, id string) (domain.Dispute, error)
	ListDisputesByTransaction(ctx context.Context, transactionID string) ([]domain.Dispute, error)
	ListDisputeEvents(ctx context.Context, disputeID string) ([]domain.DisputeEvent, error)
}

// Tx is an atomic unit of work. Lock* methods take row locks held until the
// unit of work ends.
type Tx interface {
	Reader

	LockCard(ctx context.Context, id string) (domain.Card, error)
	LockHolder(ctx context.Context, id string) (domain.CardHolder, error)
	LockTransaction(ctx context.Context, id string) (domain.Transaction, error)
	LockDispute(ctx context.Context, id string) (domain.Dispute, error)

	InsertHolder(ctx context.Context, holder domain.CardHolder) error
	InsertCard(ctx context.Context, card domain.Card) error
	UpdateCardBalance(ctx context.Context, cardID string, balance int64) error
	UpdateHolderBalance(ctx context.Context, holderID string, balance int64) error
	UpdateCardStatus(ctx context.Context, cardID string, status domain.CardStatus) error
	UpdateCardLimit(ctx context.Context, cardID string, amount int64, frequency domain.LimitFrequency) error
	UpdateIssuanceFeeStatus(ctx context.Context, cardID string, status domain.IssuanceFeeStatus) error

	InsertTransaction(ctx context.Context, tx domain.Transaction) error
	SettleTransaction(ctx context.Context, id string, status domain.TxStatus, before, after *int64) error

	InsertDispute(ctx context.Context, dispute domain.Dispute) error
	UpdateDispute(ctx context.Context, dispute domain.Dispute) error
	InsertDisputeEvent(ctx context.Context, event domain.DisputeEvent) error
}

// Store is the persistence boundary.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

func cardNotFound(id string) error        { return apperr.NotFound("card %s not found", id) }
func holderNotFound(id string) error      { return apperr.NotFound("card holder %s not found", id) }
func transactionNotFound(id string) error { return apperr.NotFound("transaction %s not found", id) }
func disputeNotFound(id string) error     { return apperr.NotFound("dispute %s not found", id) }

// Package ledger owns every balance movement of a card. Each posting locks
// the card and its holder, moves both balances by the same signed amount and
// appends the transaction row with its before/after snapshots, all inside the
// caller's unit of work.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/store"
)

// Entry describes a posting. Amount is the unsigned magnitude; Direction
// decides the sign.
type Entry struct {
	ID               string
	CardID           string
	HolderID         string
	Amount           int64
	Direction        domain.Direction
	Type             domain.TxType
	Status           domain.TxStatus
	Currency         string
	Fee              int64
	FeeSettled       bool
	Description      string
	ProviderRef      string
	ParentRef        string
	MerchantName     string
	MerchantCategory string
	MCC              string
}

// Balance is a point-in-time view of a card balance.
type Balance struct {
	CardID        string
	HolderID      string
	Amount        int64
	HolderBalance int64
	Currency      string
}

// Ledger is the single writer of card and holder balances.
type Ledger struct {
	store store.Store
	now   func() time.Time
	newID func() string
}

// New creates a ledger over st.
func New(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// WithinTx opens a unit of work on the underlying store.
func (l *Ledger) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return l.store.WithinTx(ctx, fn)
}

// ApplyEntry records e. Successful entries move the card and holder balances
// and carry snapshots; pending entries are logged without touching balances
// until Settle. Non-fee debits may not take the card below zero.
func (l *Ledger) ApplyEntry(ctx context.Context, tx store.Tx, e Entry) (domain.Transaction, error) {
	if err := validateEntry(e); err != nil {
		return domain.Transaction{}, err
	}

	card, err := tx.LockCard(ctx, e.CardID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if e.HolderID == "" {
		e.HolderID = card.HolderID
	}
	if e.HolderID != card.HolderID {
		return domain.Transaction{}, apperr.Validation("card %s is not funded by holder %s", card.ID, e.HolderID)
	}
	if e.Currency == "" {
		e.Currency = card.Currency
	}
	if e.ID == "" {
		e.ID = l.newID()
	}

	now := l.now()
	row := domain.Transaction{
		ID:               e.ID,
		CardID:           card.ID,
		HolderID:         card.HolderID,
		UserID:           card.UserID,
		Amount:           signed(e.Amount, e.Direction),
		Currency:         e.Currency,
		Direction:        e.Direction,
		Type:             e.Type,
		Status:           e.Status,
		Fee:              e.Fee,
		FeeSettled:       e.FeeSettled,
		ProviderRef:      e.ProviderRef,
		ParentRef:        e.ParentRef,
		Description:      e.Description,
		MerchantName:     e.MerchantName,
		MerchantCategory: e.MerchantCategory,
		MCC:              e.MCC,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if e.Status == domain.TxSuccessful {
		before, after, err := l.move(ctx, tx, card, row.Amount, row.Type)
		if err != nil {
			return domain.Transaction{}, err
		}
		row.BalanceBefore, row.BalanceAfter = &before, &after
	}

	if err := tx.InsertTransaction(ctx, row); err != nil {
		return domain.Transaction{}, err
	}
	return row, nil
}

// Settle moves a pending transaction to successful or declined. A successful
// settlement applies the amount to the balances and writes the snapshots in
// the same unit of work; a declined one leaves balances untouched.
func (l *Ledger) Settle(ctx context.Context, tx store.Tx, id string, status domain.TxStatus) (domain.Transaction, error) {
	row, err := tx.LockTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !row.Status.CanTransitionTo(status) {
		return row, apperr.Conflict("transaction %s is %s and cannot become %s", id, row.Status, status)
	}

	var before, after *int64
	if status == domain.TxSuccessful {
		card, err := tx.LockCard(ctx, row.CardID)
		if err != nil {
			return domain.Transaction{}, err
		}
		b, a, err := l.move(ctx, tx, card, row.Amount, row.Type)
		if err != nil {
			return domain.Transaction{}, err
		}
		before, after = &b, &a
	}

	if err := tx.SettleTransaction(ctx, id, status, before, after); err != nil {
		return domain.Transaction{}, err
	}
	row.Status = status
	row.BalanceBefore, row.BalanceAfter = before, after
	row.UpdatedAt = l.now()
	return row, nil
}

func (l *Ledger) move(ctx context.Context, tx store.Tx, card domain.Card, amount int64, typ domain.TxType) (int64, int64, error) {
	holder, err := tx.LockHolder(ctx, card.HolderID)
	if err != nil {
		return 0, 0, err
	}

	before := card.Balance
	after := before + amount
	if amount < 0 && after < 0 && typ != domain.TxFee {
		return 0, 0, apperr.InsufficientBalance("card %s balance %d cannot cover %d", card.ID, before, -amount)
	}

	if err := tx.UpdateCardBalance(ctx, card.ID, after); err != nil {
		return 0, 0, err
	}
	if err := tx.UpdateHolderBalance(ctx, holder.ID, holder.Balance+amount); err != nil {
		return 0, 0, err
	}
	return before, after, nil
}

// Balance returns the committed balance of a card and its holder.
func (l *Ledger) Balance(ctx context.Context, cardID string) (Balance, error) {
	card, err := l.store.GetCard(ctx, cardID)
	if err != nil {
		return Balance{}, err
	}
	holder, err := l.store.GetHolder(ctx, card.HolderID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		CardID:        card.ID,
		HolderID:      holder.ID,
		Amount:        card.Balance,
		HolderBalance: holder.Balance,
		Currency:      card.Currency,
	}, nil
}

func (l *Ledger) Card(ctx context.Context, id string) (domain.Card, error) {
	return l.store.GetCard(ctx, id)
}

func (l *Ledger) Holder(ctx context.Context, id string) (domain.CardHolder, error) {
	return l.store.GetHolder(ctx, id)
}

func (l *Ledger) HolderByUser(ctx context.Context, userID string) (domain.CardHolder, error) {
	return l.store.GetHolderByUser(ctx, userID)
}

func (l *Ledger) Transaction(ctx context.Context, id string) (domain.Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// ListTransactions returns the card log newest first.
func (l *Ledger) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	return l.store.ListTransactions(ctx, filter.Normalize())
}

// HasSuccessfulDeposit reports whether the card ever received a settled
// deposit. Funding uses it to pick the first-deposit minimum.
func (l *Ledger) HasSuccessfulDeposit(ctx context.Context, cardID string) (bool, error) {
	rows, err := l.store.ListTransactions(ctx, store.TransactionFilter{
		CardID: cardID,
		Types:  []domain.TxType{domain.TxDeposit},
		Status: domain.TxSuccessful,
		Limit:  1,
	})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Reconciliation compares a card balance with the sum of its settled log.
type Reconciliation struct {
	CardID  string
	Balance int64
	Settled int64
}

// Consistent reports whether the balance equals the settled sum.
func (r Reconciliation) Consistent() bool { return r.Balance == r.Settled }

// Reconcile sums every successful transaction of a card.
func (l *Ledger) Reconcile(ctx context.Context, cardID string) (Reconciliation, error) {
	card, err := l.store.GetCard(ctx, cardID)
	if err != nil {
		return Reconciliation{}, err
	}

	rec := Reconciliation{CardID: card.ID, Balance: card.Balance}
	filter := store.TransactionFilter{CardID: cardID, Status: domain.TxSuccessful, Limit: 500}
	for {
		rows, err := l.store.ListTransactions(ctx, filter)
		if err != nil {
			return Reconciliation{}, err
		}
		for _, row := range rows {
			rec.Settled += row.Amount
		}
		if len(rows) < filter.Limit {
			return rec, nil
		}
		filter.Offset += len(rows)
	}
}

func validateEntry(e Entry) error {
	if e.CardID == "" {
		return apperr.Validation("card id is required")
	}
	if e.Amount <= 0 {
		return apperr.Validation("amount must be positive, got %d", e.Amount)
	}
	if e.Direction != domain.Debit && e.Direction != domain.Credit {
		return apperr.Validation("unknown direction %q", e.Direction)
	}
	switch e.Type {
	case domain.TxDeposit, domain.TxSpend, domain.TxFee, domain.TxTransfer, domain.TxRefund, domain.TxReversal:
	default:
		return apperr.Validation("unknown transaction type %q", e.Type)
	}
	if e.Status != domain.TxPending && e.Status != domain.TxSuccessful {
		return apperr.Validation("entries are recorded pending or successful, got %q", e.Status)
	}
	return nil
}

func signed(amount int64, dir domain.Direction) int64 {
	if dir == domain.Debit {
		return -amount
	}
	return amount
}

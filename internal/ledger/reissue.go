package ledger

import (
	"context"
	"fmt"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/store"
)

// ResidualTransfer is the pair of postings that moved a balance between two
// cards. Amount is zero and the postings are nil when there was nothing to move.
type ResidualTransfer struct {
	Amount int64
	Debit  *domain.Transaction
	Credit *domain.Transaction
}

// TransferResidual moves the whole balance of oldCardID onto newCardID as a
// transfer debit and a deposit credit sharing a parent reference. Both cards
// must belong to the same user. A negative residual cannot be carried over.
func (l *Ledger) TransferResidual(ctx context.Context, tx store.Tx, oldCardID, newCardID string) (ResidualTransfer, error) {
	if oldCardID == newCardID {
		return ResidualTransfer{}, apperr.Validation("cannot transfer card %s onto itself", oldCardID)
	}

	oldCard, err := tx.LockCard(ctx, oldCardID)
	if err != nil {
		return ResidualTransfer{}, err
	}
	newCard, err := tx.LockCard(ctx, newCardID)
	if err != nil {
		return ResidualTransfer{}, err
	}
	if oldCard.UserID != newCard.UserID {
		return ResidualTransfer{}, apperr.Validation("cards %s and %s belong to different users", oldCardID, newCardID)
	}
	if newCard.Status == domain.CardStatusCanceled {
		return ResidualTransfer{}, apperr.Conflict("card %s is canceled", newCardID)
	}

	amount := oldCard.Balance
	switch {
	case amount == 0:
		return ResidualTransfer{}, nil
	case amount < 0:
		return ResidualTransfer{}, apperr.Conflict("card %s carries a negative balance of %d", oldCardID, amount)
	}

	parent := l.newID()
	debit, err := l.ApplyEntry(ctx, tx, Entry{
		CardID:      oldCard.ID,
		Amount:      amount,
		Direction:   domain.Debit,
		Type:        domain.TxTransfer,
		Status:      domain.TxSuccessful,
		ParentRef:   parent,
		Description: fmt.Sprintf("balance moved to card ending %s", newCard.LastFour),
	})
	if err != nil {
		return ResidualTransfer{}, err
	}
	credit, err := l.ApplyEntry(ctx, tx, Entry{
		CardID:      newCard.ID,
		Amount:      amount,
		Direction:   domain.Credit,
		Type:        domain.TxDeposit,
		Status:      domain.TxSuccessful,
		ParentRef:   parent,
		Description: fmt.Sprintf("balance moved from card ending %s", oldCard.LastFour),
	})
	if err != nil {
		return ResidualTransfer{}, err
	}

	return ResidualTransfer{Amount: amount, Debit: &debit, Credit: &credit}, nil
}

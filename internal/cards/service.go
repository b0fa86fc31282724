// Package cards manages the card lifecycle: provisioning, freeze and
// unfreeze, spend limits and reissue. Every mutation that touches the
// provider runs under the card lock and writes locally only after the
// provider succeeded.
package cards

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/ledger"
	"github.com/congo-pay/cardledger/internal/lock"
	"github.com/congo-pay/cardledger/internal/notification"
	"github.com/congo-pay/cardledger/internal/provider"
	"github.com/congo-pay/cardledger/internal/store"
)

const defaultCurrency = "USD"

// Service exposes card operations backed by the ledger.
type Service struct {
	ledger   *ledger.Ledger
	locker   lock.Locker
	lockOpts lock.Options
	gateway  provider.Gateway
	notifier notification.Sink
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewService builds a card service instance.
func NewService(
	l *ledger.Ledger,
	locker lock.Locker,
	lockOpts lock.Options,
	gateway provider.Gateway,
	notifier notification.Sink,
	logger *slog.Logger,
) *Service {
	return &Service{
		ledger:   l,
		locker:   locker,
		lockOpts: lockOpts,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// ProvisionInput captures data required to issue a card.
type ProvisionInput struct {
	UserID      string
	Kind        domain.CardKind
	Currency    string
	DisplayName string
}

// Provision issues a card at the provider, creating the user's card holder
// on first use. Virtual cards owe the issuance fee once funded.
func (s *Service) Provision(ctx context.Context, in ProvisionInput) (domain.Card, error) {
	if in.UserID == "" {
		return domain.Card{}, apperr.Validation("user id is required")
	}
	if in.Kind == "" {
		in.Kind = domain.CardKindVirtual
	}
	if in.Kind != domain.CardKindVirtual && in.Kind != domain.CardKindPhysical {
		return domain.Card{}, apperr.Validation("unknown card kind %q", in.Kind)
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = defaultCurrency
	}

	holder, newHolder, err := s.holderFor(ctx, in.UserID)
	if err != nil {
		return domain.Card{}, err
	}

	snap, err := s.gateway.CreateCard(ctx, provider.CardRequest{
		HolderRef:   holder.ProviderRef,
		Kind:        in.Kind,
		Currency:    in.Currency,
		DisplayName: in.DisplayName,
	})
	if err != nil {
		return domain.Card{}, apperr.Provider(err, "create card")
	}

	card := s.newCard(holder, in.Kind, in.Currency, in.DisplayName, snap)
	if in.Kind == domain.CardKindVirtual {
		card.IssuanceFeeStatus = domain.IssuanceFeePending
	}

	err = s.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if newHolder {
			if err := tx.InsertHolder(ctx, holder); err != nil {
				return err
			}
		}
		return tx.InsertCard(ctx, card)
	})
	if err != nil {
		return domain.Card{}, err
	}

	s.logger.Info("card provisioned",
		slog.String("card_id", card.ID),
		slog.String("user_id", card.UserID),
		slog.String("kind", string(card.Kind)),
		slog.String("provider_ref", card.ProviderRef),
	)
	return card, nil
}

func (s *Service) holderFor(ctx context.Context, userID string) (domain.CardHolder, bool, error) {
	holder, err := s.ledger.HolderByUser(ctx, userID)
	if err == nil {
		return holder, false, nil
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		return domain.CardHolder{}, false, err
	}

	snap, err := s.gateway.CreateCardHolder(ctx, provider.HolderRequest{UserID: userID})
	if err != nil {
		return domain.CardHolder{}, false, apperr.Provider(err, "create card holder")
	}
	now := s.now()
	return domain.CardHolder{
		ID:          s.newID(),
		UserID:      userID,
		ProviderRef: snap.Ref,
		Status:      snap.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, true, nil
}

func (s *Service) newCard(holder domain.CardHolder, kind domain.CardKind, currency, displayName string, snap provider.CardSnapshot) domain.Card {
	status := snap.Status
	if status == "" {
		status = domain.CardStatusNotActivated
	}
	frequency := snap.LimitFrequency
	if frequency == "" {
		frequency = domain.LimitAllTime
	}
	now := s.now()
	return domain.Card{
		ID:                s.newID(),
		HolderID:          holder.ID,
		UserID:            holder.UserID,
		ProviderRef:       snap.Ref,
		Kind:              kind,
		Status:            status,
		Currency:          currency,
		SpendLimit:        snap.SpendLimit,
		LimitFrequency:    frequency,
		IssuanceFeeStatus: domain.IssuanceFeeNone,
		DisplayName:       displayName,
		LastFour:          snap.LastFour,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Get returns a card owned by userID.
func (s *Service) Get(ctx context.Context, userID, cardID string) (domain.Card, error) {
	card, err := s.ledger.Card(ctx, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	if card.UserID != userID {
		return domain.Card{}, apperr.NotFound("card %s not found", cardID)
	}
	return card, nil
}

// Balance returns the ledger balance of an owned card.
func (s *Service) Balance(ctx context.Context, userID, cardID string) (ledger.Balance, error) {
	if _, err := s.Get(ctx, userID, cardID); err != nil {
		return ledger.Balance{}, err
	}
	return s.ledger.Balance(ctx, cardID)
}

// Reconcile compares a card's stored balance with its settled log. It is an
// operator check and does not verify ownership.
func (s *Service) Reconcile(ctx context.Context, cardID string) (ledger.Reconciliation, error) {
	rec, err := s.ledger.Reconcile(ctx, cardID)
	if err != nil {
		return ledger.Reconciliation{}, err
	}
	if !rec.Consistent() {
		s.logger.Warn("card balance does not match its settled log",
			slog.String("card_id", cardID),
			slog.Int64("balance", rec.Balance),
			slog.Int64("settled", rec.Settled),
		)
	}
	return rec, nil
}

// Transactions lists the log of an owned card, newest first.
func (s *Service) Transactions(ctx context.Context, userID, cardID string, filter store.TransactionFilter) ([]domain.Transaction, error) {
	if _, err := s.Get(ctx, userID, cardID); err != nil {
		return nil, err
	}
	filter.CardID = cardID
	return s.ledger.ListTransactions(ctx, filter)
}

// Freeze makes an active card inactive at the provider and locally.
func (s *Service) Freeze(ctx context.Context, userID, cardID string) (domain.Card, error) {
	return s.setStatus(ctx, userID, cardID, domain.CardStatusActive, domain.CardStatusInactive)
}

// Unfreeze reactivates a frozen card.
func (s *Service) Unfreeze(ctx context.Context, userID, cardID string) (domain.Card, error) {
	return s.setStatus(ctx, userID, cardID, domain.CardStatusInactive, domain.CardStatusActive)
}

func (s *Service) setStatus(ctx context.Context, userID, cardID string, from, to domain.CardStatus) (domain.Card, error) {
	return lock.Do(ctx, s.locker, lock.CardKey(cardID), s.lockOpts, func(ctx context.Context) (domain.Card, error) {
		card, err := s.Get(ctx, userID, cardID)
		if err != nil {
			return domain.Card{}, err
		}
		if card.Status == to {
			return domain.Card{}, apperr.Conflict("card %s is already %s", cardID, to)
		}
		if card.Status != from {
			return domain.Card{}, apperr.Conflict("card %s is %s and cannot become %s", cardID, card.Status, to)
		}

		if _, err := s.gateway.UpdateCardStatus(ctx, card.ProviderRef, to); err != nil {
			return domain.Card{}, apperr.Provider(err, "update card status")
		}
		err = s.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.UpdateCardStatus(ctx, cardID, to)
		})
		if err != nil {
			s.logger.Error("card status changed at provider but not recorded",
				slog.String("card_id", cardID),
				slog.String("status", string(to)),
				slog.Any("error", err),
			)
			return domain.Card{}, err
		}
		card.Status = to
		card.UpdatedAt = s.now()
		return card, nil
	})
}

type LimitInput struct {
	UserID    string
	CardID    string
	Amount    int64
	Frequency domain.LimitFrequency
}

// UpdateLimit sets the spend limit of a card. Both amount and frequency are
// required.
func (s *Service) UpdateLimit(ctx context.Context, in LimitInput) (domain.Card, error) {
	var details []string
	if in.Amount <= 0 {
		details = append(details, "limit amount must be positive")
	}
	if in.Frequency == "" {
		details = append(details, "limit frequency is required")
	} else if !in.Frequency.Valid() {
		details = append(details, "unknown limit frequency "+string(in.Frequency))
	}
	if len(details) > 0 {
		return domain.Card{}, apperr.WithDetails(apperr.KindValidation, "invalid spend limit", details)
	}

	return lock.Do(ctx, s.locker, lock.CardKey(in.CardID), s.lockOpts, func(ctx context.Context) (domain.Card, error) {
		card, err := s.Get(ctx, in.UserID, in.CardID)
		if err != nil {
			return domain.Card{}, err
		}
		if card.Status == domain.CardStatusCanceled {
			return domain.Card{}, apperr.Conflict("card %s is canceled", card.ID)
		}

		snap, err := s.gateway.UpdateCardLimit(ctx, card.ProviderRef, in.Amount, in.Frequency)
		if err != nil {
			return domain.Card{}, apperr.Provider(err, "update card limit")
		}
		amount, frequency := in.Amount, in.Frequency
		if snap.SpendLimit > 0 {
			amount = snap.SpendLimit
		}
		if snap.LimitFrequency != "" {
			frequency = snap.LimitFrequency
		}

		err = s.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.UpdateCardLimit(ctx, card.ID, amount, frequency)
		})
		if err != nil {
			return domain.Card{}, err
		}
		card.SpendLimit, card.LimitFrequency = amount, frequency
		card.UpdatedAt = s.now()
		return card, nil
	})
}

type ReissueInput struct {
	UserID      string
	CardID      string
	DisplayName string
}

// Reissue is the outcome of replacing a card.
type Reissue struct {
	Old      domain.Card
	New      domain.Card
	Transfer ledger.ResidualTransfer
}

// Reissue replaces a card with a new one of the same kind. The old card is
// canceled at the provider and its residual balance moves to the new card
// in the same unit of work that stores the new card. The replacement does
// not owe an issuance fee.
func (s *Service) Reissue(ctx context.Context, in ReissueInput) (Reissue, error) {
	old, err := s.Get(ctx, in.UserID, in.CardID)
	if err != nil {
		return Reissue{}, err
	}
	if old.Status == domain.CardStatusCanceled {
		return Reissue{}, apperr.Conflict("card %s is already canceled", old.ID)
	}

	newID := s.newID()
	keys := []string{lock.CardKey(old.ID), lock.CardKey(newID)}
	sort.Strings(keys)

	var out Reissue
	err = s.locker.WithLock(ctx, keys[0], s.lockOpts, func(ctx context.Context) error {
		return s.locker.WithLock(ctx, keys[1], s.lockOpts, func(ctx context.Context) error {
			var err error
			out, err = s.reissueLocked(ctx, in, newID)
			return err
		})
	})
	if err != nil {
		return Reissue{}, err
	}

	_ = s.notifier.Notify(ctx, in.UserID, notification.CategoryCardReissued, map[string]string{
		"old_card_id": out.Old.ID,
		"new_card_id": out.New.ID,
	})
	s.logger.Info("card reissued",
		slog.String("card_id", out.Old.ID),
		slog.String("new_card_id", out.New.ID),
		slog.Int64("residual", out.Transfer.Amount),
	)
	return out, nil
}

func (s *Service) reissueLocked(ctx context.Context, in ReissueInput, newID string) (Reissue, error) {
	old, err := s.Get(ctx, in.UserID, in.CardID)
	if err != nil {
		return Reissue{}, err
	}
	if old.Status == domain.CardStatusCanceled {
		return Reissue{}, apperr.Conflict("card %s is already canceled", old.ID)
	}
	if old.Balance < 0 {
		return Reissue{}, apperr.Conflict("card %s carries a negative balance of %d", old.ID, old.Balance)
	}
	holder, err := s.ledger.Holder(ctx, old.HolderID)
	if err != nil {
		return Reissue{}, err
	}

	displayName := in.DisplayName
	if displayName == "" {
		displayName = old.DisplayName
	}
	snap, err := s.gateway.CreateCard(ctx, provider.CardRequest{
		HolderRef:   holder.ProviderRef,
		Kind:        old.Kind,
		Currency:    old.Currency,
		DisplayName: displayName,
	})
	if err != nil {
		return Reissue{}, apperr.Provider(err, "create replacement card")
	}
	if _, err := s.gateway.UpdateCardStatus(ctx, old.ProviderRef, domain.CardStatusCanceled); err != nil {
		return Reissue{}, apperr.Provider(err, "cancel card")
	}

	replacement := s.newCard(holder, old.Kind, old.Currency, displayName, snap)
	replacement.ID = newID

	var transfer ledger.ResidualTransfer
	err = s.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertCard(ctx, replacement); err != nil {
			return err
		}
		var err error
		transfer, err = s.ledger.TransferResidual(ctx, tx, old.ID, replacement.ID)
		if err != nil {
			return err
		}
		return tx.UpdateCardStatus(ctx, old.ID, domain.CardStatusCanceled)
	})
	if err != nil {
		s.logger.Error("card canceled at provider but reissue not recorded",
			slog.String("card_id", old.ID),
			slog.String("provider_ref", old.ProviderRef),
			slog.String("new_provider_ref", snap.Ref),
			slog.Any("error", err),
		)
		return Reissue{}, err
	}

	old.Balance -= transfer.Amount
	old.Status = domain.CardStatusCanceled
	replacement.Balance = transfer.Amount
	return Reissue{Old: old, New: replacement, Transfer: transfer}, nil
}

// Package issuance collects the one-time fee of a virtual card after its
// first successful deposit.
package issuance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/fees"
	"github.com/congo-pay/cardledger/internal/ledger"
	"github.com/congo-pay/cardledger/internal/lock"
	"github.com/congo-pay/cardledger/internal/metrics"
	"github.com/congo-pay/cardledger/internal/notification"
	"github.com/congo-pay/cardledger/internal/provider"
	"github.com/congo-pay/cardledger/internal/store"
)

// Policy is the retry policy for provider charge failures. Attempts counts
// the first try.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: time.Second}
}

func (p Policy) backoff() retry.Backoff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
}

type Outcome string

const (
	// OutcomeCompleted means this call charged and recorded the fee.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSkipped means there was nothing to settle.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDeferred means the balance cannot cover the fee yet.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeFailed means the card was marked failed and needs an operator.
	OutcomeFailed Outcome = "failed"
)

type Result struct {
	CardID         string
	Outcome        Outcome
	Attempts       int
	Fee            int64
	ProviderRef    string
	FeeTransaction *domain.Transaction
	Reason         string
}

// Settler charges the issuance fee at the provider and records it locally.
type Settler struct {
	ledger   *ledger.Ledger
	fees     *fees.Engine
	locker   lock.Locker
	lockOpts lock.Options
	gateway  provider.Gateway
	notifier notification.Sink
	policy   Policy
	logger   *slog.Logger
}

func NewSettler(
	l *ledger.Ledger,
	engine *fees.Engine,
	locker lock.Locker,
	lockOpts lock.Options,
	gateway provider.Gateway,
	notifier notification.Sink,
	policy Policy,
	logger *slog.Logger,
) *Settler {
	return &Settler{
		ledger:   l,
		fees:     engine,
		locker:   locker,
		lockOpts: lockOpts,
		gateway:  gateway,
		notifier: notifier,
		policy:   policy,
		logger:   logger,
	}
}

// errChargedNotRecorded marks a ledger failure after a successful charge.
// It must never be retried.
var errChargedNotRecorded = errors.New("issuance fee charged but not recorded")

// Settle collects the issuance fee of cardID at most once. Provider failures
// are retried per the policy; on exhaustion the card is marked failed and the
// outcome is returned without an error.
func (s *Settler) Settle(ctx context.Context, cardID string) (Result, error) {
	quote, err := s.fees.Compute(fees.ToMajor(0), fees.VirtualCardIssuance)
	if err != nil {
		return Result{}, err
	}

	var (
		result   Result
		attempts int
		lastErr  error
	)
	err = retry.Do(ctx, s.policy.backoff(), func(ctx context.Context) error {
		attempts++
		res, err := s.attempt(ctx, cardID, quote)
		result = res
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, errChargedNotRecorded) {
			return err
		}
		if errors.Is(err, apperr.ErrProvider) {
			s.logger.Warn("issuance fee charge failed",
				slog.String("card_id", cardID),
				slog.Int("attempt", attempts),
				slog.Any("error", err),
			)
			return retry.RetryableError(err)
		}
		return err
	})
	result.Attempts = attempts

	switch {
	case err == nil:
		metrics.IssuanceFees.WithLabelValues(string(result.Outcome)).Inc()
		return result, nil
	case errors.Is(lastErr, errChargedNotRecorded):
		metrics.IssuanceFees.WithLabelValues(string(OutcomeFailed)).Inc()
		return Result{CardID: cardID, Outcome: OutcomeFailed, Attempts: attempts, Fee: quote.Amount, ProviderRef: result.ProviderRef, Reason: err.Error()}, nil
	case errors.Is(err, apperr.ErrProvider):
		if markErr := s.markFailed(ctx, cardID); markErr != nil {
			return Result{}, markErr
		}
		if card, cardErr := s.ledger.Card(ctx, cardID); cardErr != nil {
			s.logger.Error("could not load card to notify issuance fee failure",
				slog.String("card_id", cardID),
				slog.Any("error", cardErr),
			)
		} else {
			_ = s.notifier.Notify(ctx, card.UserID, notification.CategoryIssuanceFeeFailed, map[string]string{
				"card_id": cardID,
				"reason":  err.Error(),
			})
		}
		metrics.IssuanceFees.WithLabelValues(string(OutcomeFailed)).Inc()
		return Result{CardID: cardID, Outcome: OutcomeFailed, Attempts: attempts, Fee: quote.Amount, Reason: err.Error()}, nil
	default:
		return Result{}, err
	}
}

// attempt settles the fee once under the card's issuance lock. Fees not billed
// through the charge API are netted by the provider and only debited here.
func (s *Settler) attempt(ctx context.Context, cardID string, quote fees.Quote) (Result, error) {
	fee := quote.Amount
	var providerRef string
	res, err := lock.Do(ctx, s.locker, lock.IssuanceFeeKey(cardID), s.lockOpts, func(ctx context.Context) (Result, error) {
		card, err := s.ledger.Card(ctx, cardID)
		if err != nil {
			return Result{}, err
		}
		if card.Kind != domain.CardKindVirtual || card.IssuanceFeeStatus != domain.IssuanceFeePending {
			return Result{CardID: cardID, Outcome: OutcomeSkipped, Fee: fee}, nil
		}
		if card.Balance < fee {
			return Result{CardID: cardID, Outcome: OutcomeDeferred, Fee: fee, Reason: "balance does not cover the issuance fee"}, nil
		}
		holder, err := s.ledger.Holder(ctx, card.HolderID)
		if err != nil {
			return Result{}, err
		}

		var charge provider.Charge
		if quote.RequiresChargeAPI && fee > 0 {
			charge, err = s.gateway.ChargeCardHolder(ctx, holder.ProviderRef, fee, "Virtual card issuance fee")
			if err != nil {
				return Result{}, apperr.Provider(err, "charge issuance fee")
			}
			providerRef = charge.ProviderRef
		}

		var row *domain.Transaction
		err = s.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			locked, err := tx.LockCard(ctx, cardID)
			if err != nil {
				return err
			}
			if locked.IssuanceFeeStatus != domain.IssuanceFeePending {
				return apperr.Conflict("issuance fee of card %s is already %s", cardID, locked.IssuanceFeeStatus)
			}
			if fee > 0 {
				entry, err := s.ledger.ApplyEntry(ctx, tx, ledger.Entry{
					CardID:      cardID,
					Amount:      fee,
					Direction:   domain.Debit,
					Type:        domain.TxFee,
					Status:      domain.TxSuccessful,
					FeeSettled:  true,
					ProviderRef: charge.ProviderRef,
					Description: "Virtual card issuance fee",
				})
				if err != nil {
					return err
				}
				row = &entry
			}
			return tx.UpdateIssuanceFeeStatus(ctx, cardID, domain.IssuanceFeeCompleted)
		})
		if err != nil {
			s.logger.Error("issuance fee charged at provider but ledger write failed",
				slog.String("card_id", cardID),
				slog.String("provider_ref", charge.ProviderRef),
				slog.Any("error", err),
			)
			if markErr := s.markFailed(ctx, cardID); markErr != nil {
				s.logger.Error("could not mark issuance fee failed", slog.String("card_id", cardID), slog.Any("error", markErr))
			}
			return Result{}, errors.Join(errChargedNotRecorded, err)
		}

		var txID string
		if row != nil {
			txID = row.ID
		}
		s.logger.Info("issuance fee settled",
			slog.String("card_id", cardID),
			slog.String("transaction_id", txID),
			slog.String("provider_ref", charge.ProviderRef),
		)
		return Result{CardID: cardID, Outcome: OutcomeCompleted, Fee: fee, ProviderRef: charge.ProviderRef, FeeTransaction: row}, nil
	})
	if err != nil && providerRef != "" {
		return Result{ProviderRef: providerRef}, err
	}
	return res, err
}

func (s *Settler) markFailed(ctx context.Context, cardID string) error {
	return s.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		card, err := tx.LockCard(ctx, cardID)
		if err != nil {
			return err
		}
		if card.IssuanceFeeStatus != domain.IssuanceFeePending {
			return nil
		}
		return tx.UpdateIssuanceFeeStatus(ctx, cardID, domain.IssuanceFeeFailed)
	})
}

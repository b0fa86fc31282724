// Package dispute adjudicates card transaction disputes. Opening a dispute
// charges a flat fee, so creation runs under a per-transaction lock and
// re-checks eligibility and balance once the lock is held.
package dispute

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

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

// DefaultWindow is how long after a purchase it may be disputed.
const DefaultWindow = 60 * 24 * time.Hour

const feeDescription = "Card transaction dispute fee"

type Deps struct {
	Ledger   *ledger.Ledger
	Store    store.Reader
	Fees     *fees.Engine
	Locker   lock.Locker
	LockOpts lock.Options
	Gateway  provider.Gateway
	Notifier notification.Sink
	Window   time.Duration
	Logger   *slog.Logger
}

// Engine opens disputes, settles their fee and applies status changes.
type Engine struct {
	ledger   *ledger.Ledger
	store    store.Reader
	fees     *fees.Engine
	locker   lock.Locker
	lockOpts lock.Options
	gateway  provider.Gateway
	notifier notification.Sink
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewEngine(d Deps) *Engine {
	window := d.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		ledger:   d.Ledger,
		store:    d.Store,
		fees:     d.Fees,
		locker:   d.Locker,
		lockOpts: d.LockOpts,
		gateway:  d.Gateway,
		notifier: d.Notifier,
		window:   window,
		logger:   d.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// CheckEligibility evaluates every rule without taking a lock.
func (e *Engine) CheckEligibility(ctx context.Context, userID, transactionID string) (Eligibility, error) {
	tx, err := e.ledger.Transaction(ctx, transactionID)
	if err != nil {
		return Eligibility{}, err
	}
	existing, err := e.store.ListDisputesByTransaction(ctx, transactionID)
	if err != nil {
		return Eligibility{}, err
	}
	fee, err := e.fee(tx)
	if err != nil {
		return Eligibility{}, err
	}
	reasons := evaluate(userID, tx, existing, e.now(), e.window)
	return Eligibility{Eligible: len(reasons) == 0, Reasons: reasons, Fee: fee.Amount}, nil
}

func (e *Engine) fee(tx domain.Transaction) (fees.Quote, error) {
	return e.fees.ComputeMinor(tx.Magnitude(), fees.Dispute)
}

// chargeFee collects the fee at the provider when the fee type is billed
// through the charge API. Otherwise the provider nets it from the card and
// only the ledger debit is recorded.
func (e *Engine) chargeFee(ctx context.Context, holderRef string, amount int64) (provider.Charge, error) {
	if amount == 0 || !e.fees.RequiresChargeAPI(fees.Dispute) {
		return provider.Charge{}, nil
	}
	return e.gateway.ChargeCardHolder(ctx, holderRef, amount, feeDescription)
}

func ineligible(reasons []string) error {
	if onlyDisputeConflicts(reasons) {
		return apperr.WithDetails(apperr.KindConflict, "transaction cannot be disputed", reasons)
	}
	return apperr.WithDetails(apperr.KindValidation, "transaction cannot be disputed", reasons)
}

type CreateInput struct {
	UserID        string
	TransactionID string
	Evidence      string
}

// Create opens a dispute on a purchase and collects its fee. When the
// provider accepted the dispute but the fee charge failed, the dispute is
// still stored with its fee marked pending and a provider error is returned
// alongside it.
func (e *Engine) Create(ctx context.Context, in CreateInput) (domain.Dispute, error) {
	if in.UserID == "" || in.TransactionID == "" {
		return domain.Dispute{}, apperr.Validation("user id and transaction id are required")
	}

	eligibility, err := e.CheckEligibility(ctx, in.UserID, in.TransactionID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if !eligibility.Eligible {
		metrics.Disputes.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return domain.Dispute{}, ineligible(eligibility.Reasons)
	}

	var chargeErr error
	dispute, err := lock.Do(ctx, e.locker, lock.DisputeKey(in.TransactionID), e.lockOpts, func(ctx context.Context) (domain.Dispute, error) {
		tx, err := e.ledger.Transaction(ctx, in.TransactionID)
		if err != nil {
			return domain.Dispute{}, err
		}
		existing, err := e.store.ListDisputesByTransaction(ctx, tx.ID)
		if err != nil {
			return domain.Dispute{}, err
		}
		if reasons := evaluate(in.UserID, tx, existing, e.now(), e.window); len(reasons) > 0 {
			return domain.Dispute{}, ineligible(reasons)
		}

		quote, err := e.fee(tx)
		if err != nil {
			return domain.Dispute{}, err
		}
		fee := quote.Amount
		card, err := e.ledger.Card(ctx, tx.CardID)
		if err != nil {
			return domain.Dispute{}, err
		}
		if card.Balance < fee {
			return domain.Dispute{}, apperr.InsufficientBalance("card balance %d cannot cover the dispute fee %d", card.Balance, fee)
		}
		holder, err := e.ledger.Holder(ctx, card.HolderID)
		if err != nil {
			return domain.Dispute{}, err
		}

		ref := tx.ProviderRef
		if ref == "" {
			ref = tx.ID
		}
		opened, err := e.gateway.CreateDispute(ctx, ref, in.Evidence)
		if err != nil {
			return domain.Dispute{}, apperr.Provider(err, "open dispute at provider")
		}

		charge, err := e.chargeFee(ctx, holder.ProviderRef, fee)
		if err != nil {
			chargeErr = apperr.Provider(err, "charge dispute fee")
			e.logger.Error("dispute opened at provider but fee charge failed",
				slog.String("transaction_id", tx.ID),
				slog.String("provider_ref", opened.ID),
				slog.Any("error", err),
			)
		}

		status := opened.Status
		if status == "" {
			status = domain.DisputePending
		}
		now := e.now()
		d := domain.Dispute{
			ID:            e.newID(),
			TransactionID: tx.ID,
			CardID:        card.ID,
			UserID:        in.UserID,
			ProviderRef:   opened.ID,
			Status:        status,
			Evidence:      in.Evidence,
			FeeAmount:     fee,
			ResolvedAt:    opened.ResolvedAt,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		err = e.ledger.WithinTx(ctx, func(ctx context.Context, stx store.Tx) error {
			if chargeErr == nil && fee > 0 {
				row, err := e.ledger.ApplyEntry(ctx, stx, ledger.Entry{
					CardID:      card.ID,
					Amount:      fee,
					Direction:   domain.Debit,
					Type:        domain.TxFee,
					Status:      domain.TxSuccessful,
					FeeSettled:  true,
					ProviderRef: charge.ProviderRef,
					ParentRef:   tx.ID,
					Description: feeDescription,
				})
				if err != nil {
					return err
				}
				d.FeeTransactionID = row.ID
			} else if chargeErr != nil {
				d.FeeSettlementPending = true
			}

			if err := stx.InsertDispute(ctx, d); err != nil {
				return err
			}
			if err := e.appendEvent(ctx, stx, d.ID, domain.DisputeEventCreated, "", d.Status, domain.ActorUser, ""); err != nil {
				return err
			}
			if d.FeeSettlementPending {
				return e.appendEvent(ctx, stx, d.ID, domain.DisputeEventFeeSettlementPending, d.Status, d.Status, domain.ActorSystem, chargeErr.Error())
			}
			return nil
		})
		if err != nil {
			e.logger.Error("dispute opened at provider but could not be recorded",
				slog.String("transaction_id", tx.ID),
				slog.String("provider_ref", opened.ID),
				slog.String("charge_ref", charge.ProviderRef),
				slog.Any("error", err),
			)
			return domain.Dispute{}, err
		}
		return d, nil
	})
	if err != nil {
		metrics.Disputes.WithLabelValues(metrics.OutcomeFailure).Inc()
		return domain.Dispute{}, err
	}

	_ = e.notifier.Notify(ctx, dispute.UserID, notification.CategoryDisputeCreated, map[string]string{
		"dispute_id":     dispute.ID,
		"transaction_id": dispute.TransactionID,
		"status":         string(dispute.Status),
	})

	if chargeErr != nil {
		metrics.Disputes.WithLabelValues(metrics.OutcomePending).Inc()
		return dispute, chargeErr
	}
	metrics.Disputes.WithLabelValues(metrics.OutcomeSuccess).Inc()
	e.logger.Info("dispute created",
		slog.String("dispute_id", dispute.ID),
		slog.String("transaction_id", dispute.TransactionID),
		slog.String("card_id", dispute.CardID),
		slog.String("fee_transaction_id", dispute.FeeTransactionID),
	)
	return dispute, nil
}

// RetryFeeSettlement charges the fee of a dispute whose first charge
// failed. Settled disputes are returned unchanged.
func (e *Engine) RetryFeeSettlement(ctx context.Context, disputeID string) (domain.Dispute, error) {
	current, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}

	return lock.Do(ctx, e.locker, lock.DisputeKey(current.TransactionID), e.lockOpts, func(ctx context.Context) (domain.Dispute, error) {
		d, err := e.store.GetDispute(ctx, disputeID)
		if err != nil {
			return domain.Dispute{}, err
		}
		if !d.FeeSettlementPending {
			return d, nil
		}
		card, err := e.ledger.Card(ctx, d.CardID)
		if err != nil {
			return domain.Dispute{}, err
		}
		if card.Balance < d.FeeAmount {
			return d, apperr.InsufficientBalance("card balance %d cannot cover the dispute fee %d", card.Balance, d.FeeAmount)
		}
		holder, err := e.ledger.Holder(ctx, card.HolderID)
		if err != nil {
			return domain.Dispute{}, err
		}

		charge, err := e.chargeFee(ctx, holder.ProviderRef, d.FeeAmount)
		if err != nil {
			return d, apperr.Provider(err, "charge dispute fee")
		}

		err = e.ledger.WithinTx(ctx, func(ctx context.Context, stx store.Tx) error {
			locked, err := stx.LockDispute(ctx, disputeID)
			if err != nil {
				return err
			}
			if !locked.FeeSettlementPending {
				return apperr.Conflict("dispute %s fee is already settled", disputeID)
			}
			row, err := e.ledger.ApplyEntry(ctx, stx, ledger.Entry{
				CardID:      locked.CardID,
				Amount:      locked.FeeAmount,
				Direction:   domain.Debit,
				Type:        domain.TxFee,
				Status:      domain.TxSuccessful,
				FeeSettled:  true,
				ProviderRef: charge.ProviderRef,
				ParentRef:   locked.TransactionID,
				Description: feeDescription,
			})
			if err != nil {
				return err
			}
			locked.FeeSettlementPending = false
			locked.FeeTransactionID = row.ID
			locked.UpdatedAt = e.now()
			if err := stx.UpdateDispute(ctx, locked); err != nil {
				return err
			}
			d = locked
			return e.appendEvent(ctx, stx, locked.ID, domain.DisputeEventFeeSettled, locked.Status, locked.Status, domain.ActorSystem, "")
		})
		if err != nil {
			e.logger.Error("dispute fee charged but ledger write failed",
				slog.String("dispute_id", disputeID),
				slog.String("provider_ref", charge.ProviderRef),
				slog.Any("error", err),
			)
			return domain.Dispute{}, err
		}
		return d, nil
	})
}

type TransitionInput struct {
	DisputeID string
	Status    domain.DisputeStatus
	Actor     domain.Actor
	Note      string
	// UserID, when set, restricts the change to the dispute's owner.
	UserID string
}

// Transition applies a provider or user status change. Moving to the
// current status is a no-op.
func (e *Engine) Transition(ctx context.Context, in TransitionInput) (domain.Dispute, error) {
	switch in.Status {
	case domain.DisputePending, domain.DisputeInReview, domain.DisputeAccepted, domain.DisputeRejected, domain.DisputeCanceled:
	default:
		return domain.Dispute{}, apperr.Validation("unknown dispute status %q", in.Status)
	}
	if in.Actor == domain.ActorUser && in.Status != domain.DisputeCanceled {
		return domain.Dispute{}, apperr.Validation("users may only cancel a dispute")
	}

	current, err := e.store.GetDispute(ctx, in.DisputeID)
	if err != nil {
		return domain.Dispute{}, err
	}

	var changed bool
	d, err := lock.Do(ctx, e.locker, lock.DisputeKey(current.TransactionID), e.lockOpts, func(ctx context.Context) (domain.Dispute, error) {
		var out domain.Dispute
		err := e.ledger.WithinTx(ctx, func(ctx context.Context, stx store.Tx) error {
			d, err := stx.LockDispute(ctx, in.DisputeID)
			if err != nil {
				return err
			}
			if in.UserID != "" && d.UserID != in.UserID {
				return apperr.NotFound("dispute %s not found", in.DisputeID)
			}
			out = d
			if d.Status == in.Status {
				return nil
			}
			if !d.Status.CanTransitionTo(in.Status) {
				return apperr.Conflict("dispute %s is %s and cannot become %s", d.ID, d.Status, in.Status)
			}

			from := d.Status
			now := e.now()
			d.Status = in.Status
			d.UpdatedAt = now
			if in.Status.Terminal() {
				d.ResolvedAt = &now
			}
			if err := stx.UpdateDispute(ctx, d); err != nil {
				return err
			}
			if err := e.appendEvent(ctx, stx, d.ID, domain.DisputeEventStatusChanged, from, d.Status, in.Actor, in.Note); err != nil {
				return err
			}
			out, changed = d, true
			return nil
		})
		return out, err
	})
	if err != nil {
		return domain.Dispute{}, err
	}

	if changed {
		_ = e.notifier.Notify(ctx, d.UserID, notification.CategoryDisputeUpdated, map[string]string{
			"dispute_id": d.ID,
			"status":     string(d.Status),
		})
		e.logger.Info("dispute status changed",
			slog.String("dispute_id", d.ID),
			slog.String("status", string(d.Status)),
			slog.String("actor", string(in.Actor)),
		)
	}
	return d, nil
}

// Get returns a dispute visible to userID. An empty userID skips the check.
func (e *Engine) Get(ctx context.Context, userID, disputeID string) (domain.Dispute, error) {
	d, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if userID != "" && d.UserID != userID {
		return domain.Dispute{}, apperr.NotFound("dispute %s not found", disputeID)
	}
	return d, nil
}

// Events returns the audit trail of a dispute, oldest first.
func (e *Engine) Events(ctx context.Context, userID, disputeID string) ([]domain.DisputeEvent, error) {
	if _, err := e.Get(ctx, userID, disputeID); err != nil {
		return nil, err
	}
	return e.store.ListDisputeEvents(ctx, disputeID)
}

func (e *Engine) appendEvent(ctx context.Context, stx store.Tx, disputeID string, typ domain.DisputeEventType, from, to domain.DisputeStatus, actor domain.Actor, note string) error {
	return stx.InsertDisputeEvent(ctx, domain.DisputeEvent{
		ID:         e.newID(),
		DisputeID:  disputeID,
		Type:       typ,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Note:       note,
		CreatedAt:  e.now(),
	})
}

package funding

import (
	"context"
	"log/slog"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/fees"
	"github.com/congo-pay/cardledger/internal/jobs"
	"github.com/congo-pay/cardledger/internal/lock"
	"github.com/congo-pay/cardledger/internal/metrics"
	"github.com/congo-pay/cardledger/internal/notification"
	"github.com/congo-pay/cardledger/internal/provider"
	"github.com/congo-pay/cardledger/internal/store"
)

// ProcessTransfer is the funding.transfer job handler. The queue delivers at
// least once, so the external leg is recorded on the quote context before it
// is requested and a redelivered job only resolves what was recorded. Direct
// fiat funding resolves as soon as the transfer is confirmed; exchanged
// funding waits for the provider webhook.
func (w *Workflow) ProcessTransfer(ctx context.Context, job jobs.Job) error {
	var payload TransferJob
	if err := job.Decode(&payload); err != nil {
		return err
	}

	row, err := w.ledger.Transaction(ctx, payload.TransactionID)
	if err != nil {
		return err
	}
	if row.Status != domain.TxPending {
		return nil
	}
	card, err := w.ledger.Card(ctx, payload.CardID)
	if err != nil {
		return err
	}

	key := lock.FundingTransferKey(row.ID)
	res, err := lock.Do(ctx, w.locker, key, w.lockOpts, func(ctx context.Context) (provider.TransferResult, error) {
		qc, err := w.quotes.Get(ctx, payload.Reference)
		if err != nil {
			return provider.TransferResult{}, err
		}
		if qc.TransferStartedAt != nil {
			w.logger.Info("funding transfer already requested",
				slog.String("transaction_id", row.ID),
				slog.String("job_id", job.ID),
				slog.String("transfer_status", string(qc.TransferStatus)),
			)
			return provider.TransferResult{Reference: qc.TransferRef, Status: qc.TransferStatus}, nil
		}

		started := w.now()
		qc.TransferStartedAt = &started
		if err := w.quotes.Save(ctx, qc); err != nil {
			return provider.TransferResult{}, err
		}

		res, err := w.exchange.Transfer(ctx, provider.TransferRequest{
			Reference:      payload.Reference,
			Amount:         fees.ToMajor(payload.Amount),
			Destination:    card.ProviderRef,
			IdempotencyKey: row.ID,
		})
		if err != nil {
			// the outcome is unknown; leave it pending for the webhook or an operator
			metrics.FundingTransactions.WithLabelValues("transfer", metrics.OutcomeFailure).Inc()
			w.logger.Error("funding transfer failed",
				slog.String("transaction_id", row.ID),
				slog.String("reference", payload.Reference),
				slog.Any("error", err),
			)
			return provider.TransferResult{}, nil
		}

		qc.TransferRef, qc.TransferStatus = res.Reference, res.Status
		if err := w.quotes.Save(ctx, qc); err != nil {
			w.logger.Warn("could not record funding transfer outcome",
				slog.String("transaction_id", row.ID),
				slog.String("provider_ref", res.Reference),
				slog.Any("error", err),
			)
		}
		return res, nil
	})
	if err != nil {
		return err
	}

	switch {
	case res.Status == provider.TransferFailed:
		_, err = w.Complete(ctx, CompleteInput{TransactionID: row.ID, ProviderRef: res.Reference, Reason: "transfer rejected by provider"})
		return err
	case res.Status == provider.TransferCompleted && !payload.Exchanged:
		_, err = w.Complete(ctx, CompleteInput{TransactionID: row.ID, Succeeded: true, ProviderRef: res.Reference})
		return err
	default:
		metrics.FundingTransactions.WithLabelValues("transfer", metrics.OutcomePending).Inc()
		return nil
	}
}

type CompleteInput struct {
	TransactionID string
	Succeeded     bool
	ProviderRef   string
	Reason        string
}

// Complete resolves a pending deposit. Repeated completions return the
// already settled row unchanged.
func (w *Workflow) Complete(ctx context.Context, in CompleteInput) (domain.Transaction, error) {
	if in.TransactionID == "" {
		return domain.Transaction{}, apperr.Validation("transaction id is required")
	}
	current, err := w.ledger.Transaction(ctx, in.TransactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if current.Type != domain.TxDeposit {
		return domain.Transaction{}, apperr.Validation("transaction %s is a %s, not a deposit", current.ID, current.Type)
	}

	status := domain.TxDeclined
	if in.Succeeded {
		status = domain.TxSuccessful
	}

	settled := false
	row, err := lock.Do(ctx, w.locker, lock.CardKey(current.CardID), w.lockOpts, func(ctx context.Context) (domain.Transaction, error) {
		var row domain.Transaction
		err := w.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			locked, err := tx.LockTransaction(ctx, in.TransactionID)
			if err != nil {
				return err
			}
			if locked.Status != domain.TxPending {
				row = locked
				return nil
			}
			row, err = w.ledger.Settle(ctx, tx, in.TransactionID, status)
			settled = err == nil
			return err
		})
		return row, err
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	if !settled {
		return row, nil
	}

	w.logger.Info("funding completed",
		slog.String("card_id", row.CardID),
		slog.String("transaction_id", row.ID),
		slog.String("provider_ref", in.ProviderRef),
		slog.String("status", string(row.Status)),
	)

	if status == domain.TxDeclined {
		metrics.FundingTransactions.WithLabelValues("complete", metrics.OutcomeFailure).Inc()
		_ = w.notifier.Notify(ctx, row.UserID, notification.CategoryFundingFailed, map[string]string{
			"card_id":        row.CardID,
			"transaction_id": row.ID,
			"reason":         in.Reason,
		})
		return row, nil
	}

	metrics.FundingTransactions.WithLabelValues("complete", metrics.OutcomeSuccess).Inc()
	w.settleIssuanceFee(ctx, row.CardID)
	_ = w.notifier.Notify(ctx, row.UserID, notification.CategoryFundingSucceeded, map[string]string{
		"card_id":        row.CardID,
		"transaction_id": row.ID,
		"amount":         fees.ToMajor(row.Amount).StringFixed(2),
	})
	return row, nil
}

func (w *Workflow) settleIssuanceFee(ctx context.Context, cardID string) {
	if w.issuance == nil {
		return
	}
	card, err := w.ledger.Card(ctx, cardID)
	if err != nil {
		w.logger.Error("could not load card for issuance fee", slog.String("card_id", cardID), slog.Any("error", err))
		return
	}
	if card.Kind != domain.CardKindVirtual || card.IssuanceFeeStatus != domain.IssuanceFeePending {
		return
	}
	res, err := w.issuance.Settle(ctx, cardID)
	if err != nil {
		w.logger.Error("issuance fee settlement failed", slog.String("card_id", cardID), slog.Any("error", err))
		return
	}
	w.logger.Info("issuance fee processed",
		slog.String("card_id", cardID),
		slog.String("outcome", string(res.Outcome)),
		slog.Int("attempts", res.Attempts),
	)
}

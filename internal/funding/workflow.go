// Package funding moves money onto a card in two phases: Initialize prices a
// top-up and stores the quote, Execute records a pending deposit and hands
// the external transfer to a job. The deposit settles through Complete.
package funding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/fees"
	"github.com/congo-pay/cardledger/internal/issuance"
	"github.com/congo-pay/cardledger/internal/jobs"
	"github.com/congo-pay/cardledger/internal/ledger"
	"github.com/congo-pay/cardledger/internal/lock"
	"github.com/congo-pay/cardledger/internal/metrics"
	"github.com/congo-pay/cardledger/internal/notification"
	"github.com/congo-pay/cardledger/internal/provider"
	"github.com/congo-pay/cardledger/internal/store"
)

const cardCurrency = "USD"

// Limits are the minimum top-ups in USD minor units. The first successful
// deposit of a card has the higher minimum.
type Limits struct {
	Minimum      int64
	FirstMinimum int64
}

// IssuanceSettler is triggered when a virtual card receives its first deposit.
type IssuanceSettler interface {
	Settle(ctx context.Context, cardID string) (issuance.Result, error)
}

type Deps struct {
	Ledger   *ledger.Ledger
	Fees     *fees.Engine
	Locker   lock.Locker
	LockOpts lock.Options
	Exchange provider.ExchangeGateway
	Queue    jobs.Queue
	Quotes   QuoteStore
	Issuance IssuanceSettler
	Notifier notification.Sink
	Limits   Limits
	QuoteTTL time.Duration
	Logger   *slog.Logger
}

type Workflow struct {
	ledger   *ledger.Ledger
	fees     *fees.Engine
	locker   lock.Locker
	lockOpts lock.Options
	exchange provider.ExchangeGateway
	queue    jobs.Queue
	quotes   QuoteStore
	issuance IssuanceSettler
	notifier notification.Sink
	limits   Limits
	quoteTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewWorkflow(d Deps) *Workflow {
	quoteTTL := d.QuoteTTL
	if quoteTTL <= 0 {
		quoteTTL = 15 * time.Minute
	}
	return &Workflow{
		ledger:   d.Ledger,
		fees:     d.Fees,
		locker:   d.Locker,
		lockOpts: d.LockOpts,
		exchange: d.Exchange,
		queue:    d.Queue,
		quotes:   d.Quotes,
		issuance: d.Issuance,
		notifier: d.Notifier,
		limits:   d.Limits,
		quoteTTL: quoteTTL,
		logger:   d.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type InitializeInput struct {
	UserID   string
	CardID   string
	Currency string
	Amount   decimal.Decimal
	RateID   string
	Method   Method
}

func (in *InitializeInput) normalize() error {
	var problems []string
	if in.UserID == "" {
		problems = append(problems, "user id is required")
	}
	if in.CardID == "" {
		problems = append(problems, "card id is required")
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		problems = append(problems, "currency is required")
	}
	if !in.Amount.IsPositive() {
		problems = append(problems, "amount must be positive")
	}
	if in.Method == "" {
		in.Method = MethodFiat
	}
	if in.Method != MethodFiat && in.Method != MethodStablecoin {
		problems = append(problems, fmt.Sprintf("unknown funding method %q", in.Method))
	}
	if len(problems) > 0 {
		return apperr.WithDetails(apperr.KindValidation, "invalid funding request", problems)
	}
	return nil
}

// Initialize prices a top-up and stores the quote context. Nothing is written
// to the ledger.
func (w *Workflow) Initialize(ctx context.Context, in InitializeInput) (QuoteContext, error) {
	if err := in.normalize(); err != nil {
		return QuoteContext{}, err
	}
	card, err := w.ownedActiveCard(ctx, in.UserID, in.CardID)
	if err != nil {
		return QuoteContext{}, err
	}

	qc := QuoteContext{
		UserID:        in.UserID,
		CardID:        card.ID,
		Method:        in.Method,
		LocalCurrency: in.Currency,
		LocalAmount:   in.Amount,
		CreatedAt:     w.now(),
	}

	var usd decimal.Decimal
	if in.Method == MethodFiat && in.Currency == cardCurrency {
		usd = in.Amount
		qc.Reference = "fund_" + uuid.NewString()
		qc.Rate = decimal.NewFromInt(1)
		qc.ExpiresAt = qc.CreatedAt.Add(w.quoteTTL)
	} else {
		quote, err := w.exchange.Quote(ctx, provider.QuoteRequest{From: in.Currency, To: cardCurrency, Amount: in.Amount, RateID: in.RateID})
		if err != nil {
			return QuoteContext{}, err
		}
		usd = quote.AmountToReceive
		qc.Reference = quote.Reference
		qc.Rate = quote.Rate
		qc.Exchanged = true
		qc.ExpiresAt = quote.ExpiresAt
	}

	qc.USDAmount = fees.ToMinorFloor(usd)
	feeType := fees.TopUpFiat
	if in.Method == MethodStablecoin {
		feeType = fees.TopUpStablecoin
	}
	feeQuote, err := w.fees.ComputeMinor(qc.USDAmount, feeType)
	if err != nil {
		return QuoteContext{}, err
	}
	qc.Fee = feeQuote.Amount
	qc.Net = qc.USDAmount - qc.Fee

	funded, err := w.ledger.HasSuccessfulDeposit(ctx, card.ID)
	if err != nil {
		return QuoteContext{}, err
	}
	qc.FirstDeposit = !funded
	minimum := w.limits.Minimum
	if qc.FirstDeposit {
		minimum = w.limits.FirstMinimum
	}
	if qc.USDAmount < minimum {
		return QuoteContext{}, apperr.Validation("funding amount %s USD is below the minimum of %s USD",
			fees.ToMajor(qc.USDAmount).StringFixed(2), fees.ToMajor(minimum).StringFixed(2))
	}
	if qc.Net <= 0 {
		return QuoteContext{}, apperr.Validation("funding amount does not cover the %s USD fee", fees.ToMajor(qc.Fee).StringFixed(2))
	}

	if err := w.quotes.Save(ctx, qc); err != nil {
		return QuoteContext{}, err
	}
	metrics.FundingTransactions.WithLabelValues("initialize", metrics.OutcomeSuccess).Inc()
	w.logger.Info("funding quote created",
		slog.String("card_id", card.ID),
		slog.String("reference", qc.Reference),
		slog.Int64("usd_amount", qc.USDAmount),
		slog.Int64("fee", qc.Fee),
	)
	return qc, nil
}

type ExecuteInput struct {
	UserID    string
	CardID    string
	Reference string
}

type Execution struct {
	Transaction domain.Transaction
	Quote       QuoteContext
	// Replayed is set when the quote had already been executed.
	Replayed bool
}

// TransferJob is the payload of a funding.transfer job.
type TransferJob struct {
	TransactionID string `json:"transaction_id"`
	CardID        string `json:"card_id"`
	UserID        string `json:"user_id"`
	Reference     string `json:"reference"`
	Amount        int64  `json:"amount"`
	Exchanged     bool   `json:"exchanged"`
}

// Execute records a single pending deposit for a stored quote and enqueues
// the external transfer. Executing the same quote twice returns the first
// execution.
func (w *Workflow) Execute(ctx context.Context, in ExecuteInput) (Execution, error) {
	if in.UserID == "" || in.CardID == "" || in.Reference == "" {
		return Execution{}, apperr.Validation("user id, card id and reference are required")
	}

	key := lock.FundingExecKey(in.UserID, in.CardID, in.Reference)
	return lock.Do(ctx, w.locker, key, w.lockOpts, func(ctx context.Context) (Execution, error) {
		qc, err := w.quotes.Get(ctx, in.Reference)
		if err != nil {
			return Execution{}, err
		}
		if qc.UserID != in.UserID || qc.CardID != in.CardID {
			return Execution{}, quoteNotFound(in.Reference)
		}
		if qc.TransactionID != "" {
			row, err := w.ledger.Transaction(ctx, qc.TransactionID)
			if err != nil {
				return Execution{}, err
			}
			return Execution{Transaction: row, Quote: qc, Replayed: true}, nil
		}
		if w.now().After(qc.ExpiresAt) {
			return Execution{}, apperr.Conflict("funding quote %s expired at %s", qc.Reference, qc.ExpiresAt.Format(time.RFC3339))
		}
		if _, err := w.ownedActiveCard(ctx, in.UserID, in.CardID); err != nil {
			return Execution{}, err
		}

		var row domain.Transaction
		err = w.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			row, err = w.ledger.ApplyEntry(ctx, tx, ledger.Entry{
				CardID:      qc.CardID,
				Amount:      qc.Net,
				Direction:   domain.Credit,
				Type:        domain.TxDeposit,
				Status:      domain.TxPending,
				Currency:    cardCurrency,
				Fee:         qc.Fee,
				FeeSettled:  true,
				ParentRef:   qc.Reference,
				Description: "Card top-up",
			})
			return err
		})
		if err != nil {
			return Execution{}, err
		}

		qc.TransactionID = row.ID
		if err := w.quotes.Save(ctx, qc); err != nil {
			w.decline(ctx, row, "quote context could not be updated")
			return Execution{}, err
		}

		handle, err := w.queue.Enqueue(ctx, jobs.TypeFundingTransfer, TransferJob{
			TransactionID: row.ID,
			CardID:        qc.CardID,
			UserID:        qc.UserID,
			Reference:     qc.Reference,
			Amount:        qc.Net,
			Exchanged:     qc.Exchanged,
		})
		if err != nil {
			w.decline(ctx, row, "transfer could not be scheduled")
			metrics.FundingTransactions.WithLabelValues("execute", metrics.OutcomeFailure).Inc()
			return Execution{}, fmt.Errorf("enqueue funding transfer for %s: %w", row.ID, err)
		}

		qc.JobID = handle.ID
		if err := w.recordJobID(ctx, row.ID, qc.Reference, handle.ID); err != nil {
			w.logger.Warn("could not record funding job id", slog.String("transaction_id", row.ID), slog.Any("error", err))
		}

		metrics.FundingTransactions.WithLabelValues("execute", metrics.OutcomePending).Inc()
		w.logger.Info("funding executed",
			slog.String("card_id", qc.CardID),
			slog.String("transaction_id", row.ID),
			slog.String("job_id", handle.ID),
		)
		return Execution{Transaction: row, Quote: qc}, nil
	})
}

// recordJobID re-reads the quote context under the transfer lock, since a
// worker may already have marked the transfer as started.
func (w *Workflow) recordJobID(ctx context.Context, transactionID, reference, jobID string) error {
	return w.locker.WithLock(ctx, lock.FundingTransferKey(transactionID), w.lockOpts, func(ctx context.Context) error {
		qc, err := w.quotes.Get(ctx, reference)
		if err != nil {
			return err
		}
		qc.JobID = jobID
		return w.quotes.Save(ctx, qc)
	})
}

// decline resolves a pending deposit that will never be transferred.
func (w *Workflow) decline(ctx context.Context, row domain.Transaction, reason string) {
	err := w.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := w.ledger.Settle(ctx, tx, row.ID, domain.TxDeclined)
		return err
	})
	if err != nil {
		w.logger.Error("could not decline pending deposit",
			slog.String("transaction_id", row.ID),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
	}
}

func (w *Workflow) ownedActiveCard(ctx context.Context, userID, cardID string) (domain.Card, error) {
	card, err := w.ledger.Card(ctx, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	if card.UserID != userID {
		return domain.Card{}, apperr.NotFound("card %s not found", cardID)
	}
	if card.Status != domain.CardStatusActive {
		return domain.Card{}, apperr.Conflict("card %s is %s and cannot be funded", cardID, card.Status)
	}
	return card, nil
}

package funding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
	"github.com/congo-pay/cardledger/internal/fees"
	"github.com/congo-pay/cardledger/internal/issuance"
	"github.com/congo-pay/cardledger/internal/jobs"
	"github.com/congo-pay/cardledger/internal/ledger"
	"github.com/congo-pay/cardledger/internal/lock"
	"github.com/congo-pay/cardledger/internal/logging"
	"github.com/congo-pay/cardledger/internal/notification"
	"github.com/congo-pay/cardledger/internal/provider"
	"github.com/congo-pay/cardledger/internal/provider/providertest"
	"github.com/congo-pay/cardledger/internal/store"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []TransferJob
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobType jobs.Type, payload any) (jobs.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return jobs.Handle{}, q.err
	}
	q.jobs = append(q.jobs, payload.(TransferJob))
	return jobs.Handle{ID: "job-1", Type: jobType}, nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type recordingSink struct {
	mu   sync.Mutex
	sent []notification.Category
}

func (r *recordingSink) Notify(_ context.Context, _ string, category notification.Category, _ map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, category)
	return nil
}

func (r *recordingSink) categories() []notification.Category {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification.Category(nil), r.sent...)
}

type fixture struct {
	ledger   *ledger.Ledger
	exchange *providertest.Exchange
	gateway  *providertest.Gateway
	queue    *fakeQueue
	quotes   *MemoryQuoteStore
	notifier *recordingSink
	workflow *Workflow
}

var testLockOptions = lock.Options{TTL: time.Second, RetryCount: 500, RetryDelay: time.Millisecond}

func seedCards(t *testing.T, st store.Store, cards ...domain.Card) {
	t.Helper()
	err := st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertHolder(ctx, domain.CardHolder{ID: "holder-1", UserID: "user-1", ProviderRef: "holder-ref", Status: domain.HolderStatusApproved}); err != nil {
			return err
		}
		for _, c := range cards {
			c.HolderID, c.UserID, c.Currency, c.ProviderRef = "holder-1", "user-1", "USD", "card-ref-"+c.ID
			if c.Status == "" {
				c.Status = domain.CardStatusActive
			}
			if c.Kind == "" {
				c.Kind = domain.CardKindVirtual
				c.IssuanceFeeStatus = domain.IssuanceFeePending
			}
			if err := tx.InsertCard(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func newFixture(t *testing.T, cards ...domain.Card) *fixture {
	t.Helper()
	if len(cards) == 0 {
		cards = []domain.Card{{ID: "card-1"}}
	}
	st := store.NewMemory()
	seedCards(t, st, cards...)

	f := &fixture{
		ledger:   ledger.New(st),
		exchange: &providertest.Exchange{Rate: decimal.RequireFromString("0.00165")},
		gateway:  &providertest.Gateway{},
		queue:    &fakeQueue{},
		quotes:   NewMemoryQuoteStore(),
		notifier: &recordingSink{},
	}
	engine := fees.NewEngine(fees.DefaultSchedule())
	locker := lock.NewLocal()
	settler := issuance.NewSettler(f.ledger, engine, locker, testLockOptions, f.gateway, f.notifier,
		issuance.Policy{Attempts: 3, BaseDelay: time.Millisecond}, logging.Discard())

	f.workflow = NewWorkflow(Deps{
		Ledger:   f.ledger,
		Fees:     engine,
		Locker:   locker,
		LockOpts: testLockOptions,
		Exchange: f.exchange,
		Queue:    f.queue,
		Quotes:   f.quotes,
		Issuance: settler,
		Notifier: f.notifier,
		Limits:   Limits{Minimum: 500, FirstMinimum: 1_000},
		QuoteTTL: 10 * time.Minute,
		Logger:   logging.Discard(),
	})
	return f
}

func usd(s string) InitializeInput {
	return InitializeInput{UserID: "user-1", CardID: "card-1", Currency: "usd", Amount: decimal.RequireFromString(s)}
}

func TestInitialize_DirectUSD(t *testing.T) {
	f := newFixture(t)

	qc, err := f.workflow.Initialize(context.Background(), usd("10"))
	require.NoError(t, err)
	assert.False(t, qc.Exchanged)
	assert.Equal(t, int64(1_000), qc.USDAmount)
	assert.Equal(t, int64(15), qc.Fee)
	assert.Equal(t, int64(985), qc.Net)
	assert.True(t, qc.FirstDeposit)
	assert.Empty(t, f.exchange.Quotes)

	stored, err := f.quotes.Get(context.Background(), qc.Reference)
	require.NoError(t, err)
	assert.Equal(t, qc.Net, stored.Net)

	rows, _ := f.ledger.ListTransactions(context.Background(), store.TransactionFilter{CardID: "card-1"})
	assert.Empty(t, rows)
}

func TestInitialize_WithExchange(t *testing.T) {
	f := newFixture(t)

	qc, err := f.workflow.Initialize(context.Background(), InitializeInput{
		UserID: "user-1", CardID: "card-1", Currency: "XAF", Amount: decimal.NewFromInt(10_000), Method: MethodStablecoin,
	})
	require.NoError(t, err)
	assert.True(t, qc.Exchanged)
	assert.Equal(t, "fx-1", qc.Reference)
	assert.Equal(t, int64(1_650), qc.USDAmount)
	assert.Equal(t, int64(17), qc.Fee)
	assert.Equal(t, int64(1_633), qc.Net)
}

func TestInitialize_Minimums(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.workflow.Initialize(ctx, usd("9.99"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	err = f.ledger.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := f.ledger.ApplyEntry(ctx, tx, ledger.Entry{CardID: "card-1", Amount: 2_000, Direction: domain.Credit, Type: domain.TxDeposit, Status: domain.TxSuccessful})
		return err
	})
	require.NoError(t, err)

	qc, err := f.workflow.Initialize(ctx, usd("6"))
	require.NoError(t, err)
	assert.False(t, qc.FirstDeposit)

	_, err = f.workflow.Initialize(ctx, usd("4.99"))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestInitialize_Rejections(t *testing.T) {
	f := newFixture(t, domain.Card{ID: "card-1"}, domain.Card{ID: "frozen", Status: domain.CardStatusInactive})

	tests := []struct {
		name    string
		in      InitializeInput
		wantErr error
	}{
		{name: "foreign card", in: InitializeInput{UserID: "user-2", CardID: "card-1", Currency: "USD", Amount: decimal.NewFromInt(10)}, wantErr: apperr.ErrNotFound},
		{name: "frozen card", in: InitializeInput{UserID: "user-1", CardID: "frozen", Currency: "USD", Amount: decimal.NewFromInt(10)}, wantErr: apperr.ErrConflict},
		{name: "missing card", in: InitializeInput{UserID: "user-1", CardID: "ghost", Currency: "USD", Amount: decimal.NewFromInt(10)}, wantErr: apperr.ErrNotFound},
		{name: "bad input", in: InitializeInput{UserID: "user-1", CardID: "card-1", Method: "cash"}, wantErr: apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.workflow.Initialize(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := f.workflow.Initialize(context.Background(), InitializeInput{UserID: "user-1", CardID: "card-1", Method: "cash"})
	assert.Len(t, apperr.DetailsOf(err), 3)
}

func TestExecute_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	qc, err := f.workflow.Initialize(ctx, usd("10"))
	require.NoError(t, err)

	in := ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference}
	first, err := f.workflow.Execute(ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, domain.TxPending, first.Transaction.Status)
	assert.Equal(t, int64(985), first.Transaction.Amount)
	assert.Equal(t, int64(15), first.Transaction.Fee)
	assert.Nil(t, first.Transaction.BalanceAfter)

	second, err := f.workflow.Execute(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, 1, f.queue.count())

	bal, _ := f.ledger.Balance(ctx, "card-1")
	assert.Zero(t, bal.Amount)
}

func TestExecute_ConcurrentCallersCreateOneDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	qc, err := f.workflow.Initialize(ctx, usd("10"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := f.workflow.Execute(ctx, ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference})
			if assert.NoError(t, err) {
				ids <- exec.Transaction.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, f.queue.count())

	rows, _ := f.ledger.ListTransactions(ctx, store.TransactionFilter{CardID: "card-1"})
	assert.Len(t, rows, 1)
}

func TestExecute_Failures(t *testing.T) {
	t.Run("enqueue failure declines the deposit", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		qc, err := f.workflow.Initialize(ctx, usd("10"))
		require.NoError(t, err)

		f.queue.err = errors.New("broker down")
		_, err = f.workflow.Execute(ctx, ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference})
		require.Error(t, err)

		rows, _ := f.ledger.ListTransactions(ctx, store.TransactionFilter{CardID: "card-1"})
		require.Len(t, rows, 1)
		assert.Equal(t, domain.TxDeclined, rows[0].Status)
	})

	t.Run("expired quote", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		qc, err := f.workflow.Initialize(ctx, usd("10"))
		require.NoError(t, err)

		f.workflow.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
		_, err = f.workflow.Execute(ctx, ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference})
		assert.ErrorIs(t, err, apperr.ErrConflict)
		assert.Zero(t, f.queue.count())
	})

	t.Run("someone else's quote", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		qc, err := f.workflow.Initialize(ctx, usd("10"))
		require.NoError(t, err)

		_, err = f.workflow.Execute(ctx, ExecuteInput{UserID: "user-2", CardID: "card-1", Reference: qc.Reference})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("unknown quote", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.workflow.Execute(context.Background(), ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: "nope"})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestComplete_DuplicateIsNoop(t *testing.T) {
	f := newFixture(t, domain.Card{ID: "card-1", Kind: domain.CardKindPhysical, IssuanceFeeStatus: domain.IssuanceFeeNone})
	ctx := context.Background()

	qc, err := f.workflow.Initialize(ctx, usd("20"))
	require.NoError(t, err)
	exec, err := f.workflow.Execute(ctx, ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference})
	require.NoError(t, err)

	in := CompleteInput{TransactionID: exec.Transaction.ID, Succeeded: true, ProviderRef: "prov-1"}
	row, err := f.workflow.Complete(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.TxSuccessful, row.Status)

	again, err := f.workflow.Complete(ctx, CompleteInput{TransactionID: exec.Transaction.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.TxSuccessful, again.Status)

	bal, _ := f.ledger.Balance(ctx, "card-1")
	assert.Equal(t, int64(1_970), bal.Amount)
	assert.Equal(t, []notification.Category{notification.CategoryFundingSucceeded}, f.notifier.categories())
	assert.Zero(t, f.gateway.ChargeCount())
}

func TestComplete_Declined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	qc, err := f.workflow.Initialize(ctx, usd("10"))
	require.NoError(t, err)
	exec, err := f.workflow.Execute(ctx, ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference})
	require.NoError(t, err)

	row, err := f.workflow.Complete(ctx, CompleteInput{TransactionID: exec.Transaction.ID, Reason: "insufficient funds at source"})
	require.NoError(t, err)
	assert.Equal(t, domain.TxDeclined, row.Status)

	card, _ := f.ledger.Card(ctx, "card-1")
	assert.Zero(t, card.Balance)
	assert.Equal(t, domain.IssuanceFeePending, card.IssuanceFeeStatus)
	assert.Equal(t, []notification.Category{notification.CategoryFundingFailed}, f.notifier.categories())
}

func TestProcessTransfer_ExchangedWaitsForWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exchange.TransferStatus = provider.TransferPending

	qc, err := f.workflow.Initialize(ctx, InitializeInput{UserID: "user-1", CardID: "card-1", Currency: "XAF", Amount: decimal.NewFromInt(10_000)})
	require.NoError(t, err)
	exec, err := f.workflow.Execute(ctx, ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference})
	require.NoError(t, err)

	job := jobs.Job{ID: "job-1", Type: jobs.TypeFundingTransfer}
	job.Payload = mustJSON(t, f.queue.jobs[0])
	require.NoError(t, f.workflow.ProcessTransfer(ctx, job))

	row, _ := f.ledger.Transaction(ctx, exec.Transaction.ID)
	assert.Equal(t, domain.TxPending, row.Status)
	require.Len(t, f.exchange.Transfers, 1)
	assert.Equal(t, "card-ref-card-1", f.exchange.Transfers[0].Destination)
}

func TestProcessTransfer_RedeliveryTransfersOnce(t *testing.T) {
	t.Run("exchanged funding waiting for the webhook", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.exchange.TransferStatus = provider.TransferPending

		qc, err := f.workflow.Initialize(ctx, InitializeInput{UserID: "user-1", CardID: "card-1", Currency: "XAF", Amount: decimal.NewFromInt(20_000)})
		require.NoError(t, err)
		exec, err := f.workflow.Execute(ctx, ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference})
		require.NoError(t, err)

		job := jobs.Job{ID: "job-1", Type: jobs.TypeFundingTransfer, Payload: mustJSON(t, f.queue.jobs[0])}
		require.NoError(t, f.workflow.ProcessTransfer(ctx, job))
		require.NoError(t, f.workflow.ProcessTransfer(ctx, job))

		require.Len(t, f.exchange.Transfers, 1)
		assert.Equal(t, exec.Transaction.ID, f.exchange.Transfers[0].IdempotencyKey)

		stored, err := f.quotes.Get(ctx, qc.Reference)
		require.NoError(t, err)
		assert.NotNil(t, stored.TransferStartedAt)
		assert.Equal(t, provider.TransferPending, stored.TransferStatus)
		assert.Equal(t, "job-1", stored.JobID)

		row, _ := f.ledger.Transaction(ctx, exec.Transaction.ID)
		assert.Equal(t, domain.TxPending, row.Status)
	})

	t.Run("unknown outcome is not retried", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.exchange.TransferErr = errors.New("gateway timeout")

		qc, err := f.workflow.Initialize(ctx, usd("10"))
		require.NoError(t, err)
		exec, err := f.workflow.Execute(ctx, ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference})
		require.NoError(t, err)

		job := jobs.Job{ID: "job-1", Type: jobs.TypeFundingTransfer, Payload: mustJSON(t, f.queue.jobs[0])}
		require.NoError(t, f.workflow.ProcessTransfer(ctx, job))
		f.exchange.TransferErr = nil
		require.NoError(t, f.workflow.ProcessTransfer(ctx, job))

		assert.Len(t, f.exchange.Transfers, 1)
		row, _ := f.ledger.Transaction(ctx, exec.Transaction.ID)
		assert.Equal(t, domain.TxPending, row.Status)
	})

	t.Run("direct fiat resolves from the recorded outcome", func(t *testing.T) {
		f := newFixture(t, domain.Card{ID: "card-1", Kind: domain.CardKindPhysical, IssuanceFeeStatus: domain.IssuanceFeeNone})
		ctx := context.Background()

		qc, err := f.workflow.Initialize(ctx, usd("20"))
		require.NoError(t, err)
		exec, err := f.workflow.Execute(ctx, ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference})
		require.NoError(t, err)

		job := jobs.Job{ID: "job-1", Type: jobs.TypeFundingTransfer, Payload: mustJSON(t, f.queue.jobs[0])}
		require.NoError(t, f.workflow.ProcessTransfer(ctx, job))
		require.NoError(t, f.workflow.ProcessTransfer(ctx, job))

		assert.Len(t, f.exchange.Transfers, 1)
		row, _ := f.ledger.Transaction(ctx, exec.Transaction.ID)
		assert.Equal(t, domain.TxSuccessful, row.Status)
		bal, _ := f.ledger.Balance(ctx, "card-1")
		assert.Equal(t, int64(1_970), bal.Amount)
	})
}

// Funding a new virtual card with $10 settles the deposit net of the funding
// fee and then collects the $1 issuance fee exactly once.
func TestFundingEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dispatcher := jobs.NewDispatcher(logging.Discard())
	dispatcher.Register(jobs.TypeFundingTransfer, f.workflow.ProcessTransfer)
	queue := jobs.NewMemoryQueue(dispatcher, 2, logging.Discard())
	defer queue.Close()
	f.workflow.queue = queue

	qc, err := f.workflow.Initialize(ctx, usd("10"))
	require.NoError(t, err)
	exec, err := f.workflow.Execute(ctx, ExecuteInput{UserID: "user-1", CardID: "card-1", Reference: qc.Reference})
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, exec.Transaction.Status)

	require.Eventually(t, func() bool {
		card, err := f.ledger.Card(ctx, "card-1")
		return err == nil && card.IssuanceFeeStatus == domain.IssuanceFeeCompleted
	}, 2*time.Second, 5*time.Millisecond)

	deposit, err := f.ledger.Transaction(ctx, exec.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxSuccessful, deposit.Status)
	assert.Equal(t, int64(1_000-15), deposit.Amount)
	require.NotNil(t, deposit.BalanceAfter)
	assert.Equal(t, int64(985), *deposit.BalanceAfter)

	feeRows, err := f.ledger.ListTransactions(ctx, store.TransactionFilter{CardID: "card-1", Types: []domain.TxType{domain.TxFee}})
	require.NoError(t, err)
	require.Len(t, feeRows, 1)
	assert.Equal(t, int64(-100), feeRows[0].Amount)
	assert.Equal(t, int64(985), *feeRows[0].BalanceBefore)
	assert.Equal(t, 1, f.gateway.ChargeCount())

	rec, err := f.ledger.Reconcile(ctx, "card-1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent())
	assert.Equal(t, int64(885), rec.Balance)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

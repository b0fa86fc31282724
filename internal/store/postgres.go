package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
)

const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Postgres is the PostgreSQL-backed Store.
type Postgres struct {
	queries
	db DB
}

// NewPostgres builds a store over a pool.
func NewPostgres(db DB) *Postgres {
	return &Postgres{queries: queries{q: db}, db: db}
}

// WithinTx runs fn inside a database transaction, committing only when fn
// returns nil.
func (p *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgTx{queries: queries{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

const (
	cardColumns = `id, holder_id, user_id, provider_ref, kind, status, balance, currency,
        spend_limit, limit_frequency, issuance_fee_status, display_name, last_four, created_at, updated_at`
	holderColumns = `id, user_id, provider_ref, status, balance, created_at, updated_at`
	txColumns     = `id, card_id, holder_id, user_id, amount, currency, direction, type, status,
        balance_before, balance_after, fee, fee_settled, provider_ref, parent_ref, description,
        merchant_name, merchant_category, mcc, created_at, updated_at`
	disputeColumns = `id, transaction_id, card_id, user_id, provider_ref, status, evidence, fee_amount,
        fee_transaction_id, fee_settlement_pending, resolved_at, created_at, updated_at`
	eventColumns = `id, dispute_id, type, from_status, to_status, actor, note, created_at`
)

const (
	getCardQuery            = `SELECT ` + cardColumns + ` FROM cards WHERE id = $1`
	lockCardQuery           = getCardQuery + ` FOR UPDATE`
	getHolderQuery          = `SELECT ` + holderColumns + ` FROM card_holders WHERE id = $1`
	lockHolderQuery         = getHolderQuery + ` FOR UPDATE`
	getHolderByUserQuery    = `SELECT ` + holderColumns + ` FROM card_holders WHERE user_id = $1`
	getTransactionQuery     = `SELECT ` + txColumns + ` FROM card_transactions WHERE id = $1`
	lockTransactionQuery    = getTransactionQuery + ` FOR UPDATE`
	getDisputeQuery         = `SELECT ` + disputeColumns + ` FROM card_transaction_disputes WHERE id = $1`
	lockDisputeQuery        = getDisputeQuery + ` FOR UPDATE`
	listDisputesByTxQuery   = `SELECT ` + disputeColumns + ` FROM card_transaction_disputes WHERE transaction_id = $1 ORDER BY created_at`
	listDisputeEventsQuery  = `SELECT ` + eventColumns + ` FROM card_transaction_dispute_events WHERE dispute_id = $1 ORDER BY created_at`
	insertHolderQuery       = `INSERT INTO card_holders (` + holderColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	insertCardQuery         = `INSERT INTO cards (` + cardColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	updateCardBalanceQuery  = `UPDATE cards SET balance = $1, updated_at = now() WHERE id = $2`
	updateHolderBalanceQ    = `UPDATE card_holders SET balance = $1, updated_at = now() WHERE id = $2`
	updateCardStatusQuery   = `UPDATE cards SET status = $1, updated_at = now() WHERE id = $2`
	updateCardLimitQuery    = `UPDATE cards SET spend_limit = $1, limit_frequency = $2, updated_at = now() WHERE id = $3`
	updateIssuanceFeeQuery  = `UPDATE cards SET issuance_fee_status = $1, updated_at = now() WHERE id = $2`
	insertTransactionQuery  = `INSERT INTO card_transactions (` + txColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	settleTransactionQuery  = `UPDATE card_transactions SET status = $1, balance_before = $2, balance_after = $3, updated_at = now() WHERE id = $4 AND status = 'pending'`
	insertDisputeQuery      = `INSERT INTO card_transaction_disputes (` + disputeColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	updateDisputeQuery      = `UPDATE card_transaction_disputes SET provider_ref = $1, status = $2, fee_amount = $3, fee_transaction_id = $4, fee_settlement_pending = $5, resolved_at = $6, updated_at = $7 WHERE id = $8`
	insertDisputeEventQuery = `INSERT INTO card_transaction_dispute_events (` + eventColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
)

type queries struct {
	q querier
}

func (s queries) GetCard(ctx context.Context, id string) (domain.Card, error) {
	return s.card(ctx, getCardQuery, id)
}

func (s queries) GetHolder(ctx context.Context, id string) (domain.CardHolder, error) {
	return s.holder(ctx, getHolderQuery, id)
}

func (s queries) GetHolderByUser(ctx context.Context, userID string) (domain.CardHolder, error) {
	holder, err := scanHolder(s.q.QueryRow(ctx, getHolderByUserQuery, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CardHolder{}, apperr.NotFound("card holder for user %s not found", userID)
	}
	return holder, err
}

func (s queries) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return s.transaction(ctx, getTransactionQuery, id)
}

func (s queries) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return s.dispute(ctx, getDisputeQuery, id)
}

func (s queries) ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error) {
	query, args := buildListTransactions(filter.Normalize())
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func buildListTransactions(filter TransactionFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.CardID != "" {
		add("card_id = $%d", filter.CardID)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", types)
	}

	var b strings.Builder
	b.WriteString("SELECT " + txColumns + " FROM card_transactions")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, filter.Limit, filter.Offset)
	fmt.Fprintf(&b, " ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

func (s queries) ListDisputesByTransaction(ctx context.Context, transactionID string) ([]domain.Dispute, error) {
	rows, err := s.q.Query(ctx, listDisputesByTxQuery, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Dispute, 0)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s queries) ListDisputeEvents(ctx context.Context, disputeID string) ([]domain.DisputeEvent, error) {
	rows, err := s.q.Query(ctx, listDisputeEventsQuery, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.DisputeEvent, 0)
	for rows.Next() {
		var ev domain.DisputeEvent
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.Type, &ev.FromStatus, &ev.ToStatus, &ev.Actor, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s queries) card(ctx context.Context, query, id string) (domain.Card, error) {
	card, err := scanCard(s.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Card{}, cardNotFound(id)
	}
	return card, err
}

func (s queries) holder(ctx context.Context, query, id string) (domain.CardHolder, error) {
	holder, err := scanHolder(s.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CardHolder{}, holderNotFound(id)
	}
	return holder, err
}

func (s queries) transaction(ctx context.Context, query, id string) (domain.Transaction, error) {
	tx, err := scanTransaction(s.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, transactionNotFound(id)
	}
	return tx, err
}

func (s queries) dispute(ctx context.Context, query, id string) (domain.Dispute, error) {
	d, err := scanDispute(s.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Dispute{}, disputeNotFound(id)
	}
	return d, err
}

func scanCard(row pgx.Row) (domain.Card, error) {
	var c domain.Card
	err := row.Scan(&c.ID, &c.HolderID, &c.UserID, &c.ProviderRef, &c.Kind, &c.Status, &c.Balance, &c.Currency,
		&c.SpendLimit, &c.LimitFrequency, &c.IssuanceFeeStatus, &c.DisplayName, &c.LastFour, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanHolder(row pgx.Row) (domain.CardHolder, error) {
	var h domain.CardHolder
	err := row.Scan(&h.ID, &h.UserID, &h.ProviderRef, &h.Status, &h.Balance, &h.CreatedAt, &h.UpdatedAt)
	return h, err
}

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.CardID, &t.HolderID, &t.UserID, &t.Amount, &t.Currency, &t.Direction, &t.Type, &t.Status,
		&t.BalanceBefore, &t.BalanceAfter, &t.Fee, &t.FeeSettled, &t.ProviderRef, &t.ParentRef, &t.Description,
		&t.MerchantName, &t.MerchantCategory, &t.MCC, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func scanDispute(row pgx.Row) (domain.Dispute, error) {
	var d domain.Dispute
	err := row.Scan(&d.ID, &d.TransactionID, &d.CardID, &d.UserID, &d.ProviderRef, &d.Status, &d.Evidence, &d.FeeAmount,
		&d.FeeTransactionID, &d.FeeSettlementPending, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

type pgTx struct {
	queries
}

func (t *pgTx) LockCard(ctx context.Context, id string) (domain.Card, error) {
	return t.card(ctx, lockCardQuery, id)
}

func (t *pgTx) LockHolder(ctx context.Context, id string) (domain.CardHolder, error) {
	return t.holder(ctx, lockHolderQuery, id)
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return t.transaction(ctx, lockTransactionQuery, id)
}

func (t *pgTx) LockDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return t.dispute(ctx, lockDisputeQuery, id)
}

func (t *pgTx) InsertHolder(ctx context.Context, h domain.CardHolder) error {
	_, err := t.q.Exec(ctx, insertHolderQuery, h.ID, h.UserID, h.ProviderRef, h.Status, h.Balance, h.CreatedAt, h.UpdatedAt)
	return mapWriteError(err, "card holder")
}

func (t *pgTx) InsertCard(ctx context.Context, c domain.Card) error {
	_, err := t.q.Exec(ctx, insertCardQuery, c.ID, c.HolderID, c.UserID, c.ProviderRef, c.Kind, c.Status, c.Balance,
		c.Currency, c.SpendLimit, c.LimitFrequency, c.IssuanceFeeStatus, c.DisplayName, c.LastFour, c.CreatedAt, c.UpdatedAt)
	return mapWriteError(err, "card")
}

func (t *pgTx) UpdateCardBalance(ctx context.Context, cardID string, balance int64) error {
	return t.update(ctx, cardNotFound(cardID), updateCardBalanceQuery, balance, cardID)
}

func (t *pgTx) UpdateHolderBalance(ctx context.Context, holderID string, balance int64) error {
	return t.update(ctx, holderNotFound(holderID), updateHolderBalanceQ, balance, holderID)
}

func (t *pgTx) UpdateCardStatus(ctx context.Context, cardID string, status domain.CardStatus) error {
	return t.update(ctx, cardNotFound(cardID), updateCardStatusQuery, status, cardID)
}

func (t *pgTx) UpdateCardLimit(ctx context.Context, cardID string, amount int64, frequency domain.LimitFrequency) error {
	return t.update(ctx, cardNotFound(cardID), updateCardLimitQuery, amount, frequency, cardID)
}

func (t *pgTx) UpdateIssuanceFeeStatus(ctx context.Context, cardID string, status domain.IssuanceFeeStatus) error {
	return t.update(ctx, cardNotFound(cardID), updateIssuanceFeeQuery, status, cardID)
}

func (t *pgTx) InsertTransaction(ctx context.Context, x domain.Transaction) error {
	_, err := t.q.Exec(ctx, insertTransactionQuery, x.ID, x.CardID, x.HolderID, x.UserID, x.Amount, x.Currency,
		x.Direction, x.Type, x.Status, x.BalanceBefore, x.BalanceAfter, x.Fee, x.FeeSettled, x.ProviderRef,
		x.ParentRef, x.Description, x.MerchantName, x.MerchantCategory, x.MCC, x.CreatedAt, x.UpdatedAt)
	return mapWriteError(err, "transaction")
}

func (t *pgTx) SettleTransaction(ctx context.Context, id string, status domain.TxStatus, before, after *int64) error {
	missing := apperr.Conflict("transaction %s is not pending", id)
	return t.update(ctx, missing, settleTransactionQuery, status, before, after, id)
}

func (t *pgTx) InsertDispute(ctx context.Context, d domain.Dispute) error {
	_, err := t.q.Exec(ctx, insertDisputeQuery, d.ID, d.TransactionID, d.CardID, d.UserID, d.ProviderRef, d.Status,
		d.Evidence, d.FeeAmount, d.FeeTransactionID, d.FeeSettlementPending, d.ResolvedAt, d.CreatedAt, d.UpdatedAt)
	return mapWriteError(err, "dispute")
}

func (t *pgTx) UpdateDispute(ctx context.Context, d domain.Dispute) error {
	return t.update(ctx, disputeNotFound(d.ID), updateDisputeQuery, d.ProviderRef, d.Status, d.FeeAmount,
		d.FeeTransactionID, d.FeeSettlementPending, d.ResolvedAt, d.UpdatedAt, d.ID)
}

func (t *pgTx) InsertDisputeEvent(ctx context.Context, ev domain.DisputeEvent) error {
	_, err := t.q.Exec(ctx, insertDisputeEventQuery, ev.ID, ev.DisputeID, ev.Type, ev.FromStatus, ev.ToStatus,
		ev.Actor, ev.Note, ev.CreatedAt)
	return mapWriteError(err, "dispute event")
}

func (t *pgTx) update(ctx context.Context, missing error, query string, args ...any) error {
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return missing
	}
	return nil
}

func mapWriteError(err error, entity string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Wrap(apperr.KindConflict, err, entity+" already exists")
	}
	return err
}

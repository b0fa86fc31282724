package store

import (
	"context"
	"sort"
	"sync"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/domain"
)

type state struct {
	cards    map[string]domain.Card
	holders  map[string]domain.CardHolder
	txs      map[string]domain.Transaction
	txOrder  []string
	disputes map[string]domain.Dispute
	events   map[string][]domain.DisputeEvent
}

func newState() *state {
	return &state{
		cards:    make(map[string]domain.Card),
		holders:  make(map[string]domain.CardHolder),
		txs:      make(map[string]domain.Transaction),
		disputes: make(map[string]domain.Dispute),
		events:   make(map[string][]domain.DisputeEvent),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.cards {
		c.cards[k] = v
	}
	for k, v := range s.holders {
		c.holders[k] = v
	}
	for k, v := range s.txs {
		c.txs[k] = v
	}
	c.txOrder = append([]string(nil), s.txOrder...)
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	for k, v := range s.events {
		c.events[k] = append([]domain.DisputeEvent(nil), v...)
	}
	return c
}

// Memory is a concurrency-safe in-memory Store for tests and local runs.
// Units of work are serialized and applied copy-on-write, so a failed unit
// of work leaves no trace.
type Memory struct {
	writer sync.Mutex
	mu     sync.RWMutex
	st     *state
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithinTx runs fn against a private copy of the state and publishes it only
// when fn returns nil.
func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.writer.Lock()
	defer m.writer.Unlock()

	m.mu.RLock()
	work := m.st.clone()
	m.mu.RUnlock()

	if err := fn(ctx, &memoryTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.st = work
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetCard(ctx context.Context, id string) (domain.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getCard(id)
}

func (m *Memory) GetHolder(ctx context.Context, id string) (domain.CardHolder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getHolder(id)
}

func (m *Memory) GetHolderByUser(ctx context.Context, userID string) (domain.CardHolder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getHolderByUser(userID)
}

func (m *Memory) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getTransaction(id)
}

func (m *Memory) ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listTransactions(filter), nil
}

func (m *Memory) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getDispute(id)
}

func (m *Memory) ListDisputesByTransaction(ctx context.Context, transactionID string) ([]domain.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listDisputes(transactionID), nil
}

func (m *Memory) ListDisputeEvents(ctx context.Context, disputeID string) ([]domain.DisputeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.DisputeEvent(nil), m.st.events[disputeID]...), nil
}

func (s *state) getCard(id string) (domain.Card, error) {
	card, ok := s.cards[id]
	if !ok {
		return domain.Card{}, cardNotFound(id)
	}
	return card, nil
}

func (s *state) getHolder(id string) (domain.CardHolder, error) {
	holder, ok := s.holders[id]
	if !ok {
		return domain.CardHolder{}, holderNotFound(id)
	}
	return holder, nil
}

func (s *state) getHolderByUser(userID string) (domain.CardHolder, error) {
	for _, holder := range s.holders {
		if holder.UserID == userID {
			return holder, nil
		}
	}
	return domain.CardHolder{}, apperr.NotFound("card holder for user %s not found", userID)
}

func (s *state) getTransaction(id string) (domain.Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return domain.Transaction{}, transactionNotFound(id)
	}
	return tx, nil
}

func (s *state) getDispute(id string) (domain.Dispute, error) {
	d, ok := s.disputes[id]
	if !ok {
		return domain.Dispute{}, disputeNotFound(id)
	}
	return d, nil
}

func (s *state) listTransactions(filter TransactionFilter) []domain.Transaction {
	filter = filter.Normalize()
	matched := make([]domain.Transaction, 0)
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		tx := s.txs[s.txOrder[i]]
		if filter.CardID != "" && tx.CardID != filter.CardID {
			continue
		}
		if filter.UserID != "" && tx.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && tx.CreatedAt.Before(filter.Since) {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, tx.Type) {
			continue
		}
		matched = append(matched, tx)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset >= len(matched) {
		return []domain.Transaction{}
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

func containsType(types []domain.TxType, t domain.TxType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func (s *state) listDisputes(transactionID string) []domain.Dispute {
	out := make([]domain.Dispute, 0)
	for _, d := range s.disputes {
		if d.TransactionID == transactionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type memoryTx struct {
	st *state
}

func (t *memoryTx) GetCard(_ context.Context, id string) (domain.Card, error) {
	return t.st.getCard(id)
}

func (t *memoryTx) GetHolder(_ context.Context, id string) (domain.CardHolder, error) {
	return t.st.getHolder(id)
}

func (t *memoryTx) GetHolderByUser(_ context.Context, userID string) (domain.CardHolder, error) {
	return t.st.getHolderByUser(userID)
}

func (t *memoryTx) GetTransaction(_ context.Context, id string) (domain.Transaction, error) {
	return t.st.getTransaction(id)
}

func (t *memoryTx) ListTransactions(_ context.Context, filter TransactionFilter) ([]domain.Transaction, error) {
	return t.st.listTransactions(filter), nil
}

func (t *memoryTx) GetDispute(_ context.Context, id string) (domain.Dispute, error) {
	return t.st.getDispute(id)
}

func (t *memoryTx) ListDisputesByTransaction(_ context.Context, transactionID string) ([]domain.Dispute, error) {
	return t.st.listDisputes(transactionID), nil
}

func (t *memoryTx) ListDisputeEvents(_ context.Context, disputeID string) ([]domain.DisputeEvent, error) {
	return append([]domain.DisputeEvent(nil), t.st.events[disputeID]...), nil
}

// The whole unit of work is exclusive, so Lock* are plain reads.

func (t *memoryTx) LockCard(ctx context.Context, id string) (domain.Card, error) {
	return t.GetCard(ctx, id)
}

func (t *memoryTx) LockHolder(ctx context.Context, id string) (domain.CardHolder, error) {
	return t.GetHolder(ctx, id)
}

func (t *memoryTx) LockTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return t.GetTransaction(ctx, id)
}

func (t *memoryTx) LockDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return t.GetDispute(ctx, id)
}

func (t *memoryTx) InsertHolder(_ context.Context, holder domain.CardHolder) error {
	if _, exists := t.st.holders[holder.ID]; exists {
		return apperr.Conflict("card holder %s already exists", holder.ID)
	}
	for _, existing := range t.st.holders {
		if existing.UserID == holder.UserID {
			return apperr.Conflict("user %s already has a card holder", holder.UserID)
		}
	}
	t.st.holders[holder.ID] = holder
	return nil
}

func (t *memoryTx) InsertCard(_ context.Context, card domain.Card) error {
	if _, exists := t.st.cards[card.ID]; exists {
		return apperr.Conflict("card %s already exists", card.ID)
	}
	t.st.cards[card.ID] = card
	return nil
}

func (t *memoryTx) UpdateCardBalance(_ context.Context, cardID string, balance int64) error {
	card, err := t.st.getCard(cardID)
	if err != nil {
		return err
	}
	card.Balance = balance
	t.st.cards[cardID] = card
	return nil
}

func (t *memoryTx) UpdateHolderBalance(_ context.Context, holderID string, balance int64) error {
	holder, err := t.st.getHolder(holderID)
	if err != nil {
		return err
	}
	holder.Balance = balance
	t.st.holders[holderID] = holder
	return nil
}

func (t *memoryTx) UpdateCardStatus(_ context.Context, cardID string, status domain.CardStatus) error {
	card, err := t.st.getCard(cardID)
	if err != nil {
		return err
	}
	card.Status = status
	t.st.cards[cardID] = card
	return nil
}

func (t *memoryTx) UpdateCardLimit(_ context.Context, cardID string, amount int64, frequency domain.LimitFrequency) error {
	card, err := t.st.getCard(cardID)
	if err != nil {
		return err
	}
	card.SpendLimit = amount
	card.LimitFrequency = frequency
	t.st.cards[cardID] = card
	return nil
}

func (t *memoryTx) UpdateIssuanceFeeStatus(_ context.Context, cardID string, status domain.IssuanceFeeStatus) error {
	card, err := t.st.getCard(cardID)
	if err != nil {
		return err
	}
	card.IssuanceFeeStatus = status
	t.st.cards[cardID] = card
	return nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, tx domain.Transaction) error {
	if _, exists := t.st.txs[tx.ID]; exists {
		return apperr.Conflict("transaction %s already exists", tx.ID)
	}
	t.st.txs[tx.ID] = tx
	t.st.txOrder = append(t.st.txOrder, tx.ID)
	return nil
}

func (t *memoryTx) SettleTransaction(_ context.Context, id string, status domain.TxStatus, before, after *int64) error {
	tx, err := t.st.getTransaction(id)
	if err != nil {
		return err
	}
	if tx.Status != domain.TxPending {
		return apperr.Conflict("transaction %s is not pending", id)
	}
	tx.Status = status
	tx.BalanceBefore = before
	tx.BalanceAfter = after
	t.st.txs[id] = tx
	return nil
}

func (t *memoryTx) InsertDispute(_ context.Context, dispute domain.Dispute) error {
	if _, exists := t.st.disputes[dispute.ID]; exists {
		return apperr.Conflict("dispute %s already exists", dispute.ID)
	}
	for _, existing := range t.st.disputes {
		if existing.TransactionID == dispute.TransactionID &&
			(existing.Status.Active() || existing.Status == domain.DisputeAccepted) {
			return apperr.Conflict("transaction %s is already disputed", dispute.TransactionID)
		}
	}
	t.st.disputes[dispute.ID] = dispute
	return nil
}

func (t *memoryTx) UpdateDispute(_ context.Context, dispute domain.Dispute) error {
	if _, err := t.st.getDispute(dispute.ID); err != nil {
		return err
	}
	t.st.disputes[dispute.ID] = dispute
	return nil
}

func (t *memoryTx) InsertDisputeEvent(_ context.Context, event domain.DisputeEvent) error {
	if _, err := t.st.getDispute(event.DisputeID); err != nil {
		return err
	}
	t.st.events[event.DisputeID] = append(t.st.events[event.DisputeID], event)
	return nil
}

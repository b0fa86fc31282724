package funding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/provider"
)

type Method string

const (
	MethodFiat       Method = "fiat"
	MethodStablecoin Method = "stablecoin"
)

// QuoteContext is the priced result of Initialize, persisted so Execute never
// recomputes amounts. Amounts are USD minor units unless stated otherwise.
type QuoteContext struct {
	Reference     string          `json:"reference"`
	UserID        string          `json:"user_id"`
	CardID        string          `json:"card_id"`
	Method        Method          `json:"method"`
	LocalCurrency string          `json:"local_currency"`
	LocalAmount   decimal.Decimal `json:"local_amount"`
	Rate          decimal.Decimal `json:"rate"`
	Exchanged     bool            `json:"exchanged"`
	USDAmount     int64           `json:"usd_amount"`
	Fee           int64           `json:"fee"`
	Net           int64           `json:"net"`
	FirstDeposit  bool            `json:"first_deposit"`
	ExpiresAt     time.Time       `json:"expires_at"`
	CreatedAt     time.Time       `json:"created_at"`
	TransactionID string          `json:"transaction_id,omitempty"`
	JobID         string          `json:"job_id,omitempty"`

	// TransferStartedAt is set before the external transfer is requested.
	// A redelivered job that finds it never transfers again.
	TransferStartedAt *time.Time              `json:"transfer_started_at,omitempty"`
	TransferRef       string                  `json:"transfer_ref,omitempty"`
	TransferStatus    provider.TransferStatus `json:"transfer_status,omitempty"`
}

// QuoteStore persists quote contexts by exchange reference.
type QuoteStore interface {
	Save(ctx context.Context, qc QuoteContext) error
	Get(ctx context.Context, reference string) (QuoteContext, error)
}

func quoteNotFound(reference string) error {
	return apperr.NotFound("funding quote %s not found or expired", reference)
}

const quoteKeyPrefix = "funding:quote:v1:"

// RedisQuoteStore keeps contexts until the quote expires plus a retention
// window, so a replayed Execute still finds the recorded transaction.
type RedisQuoteStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisQuoteStore(client *redis.Client, retention time.Duration) *RedisQuoteStore {
	return &RedisQuoteStore{client: client, retention: retention}
}

func (s *RedisQuoteStore) Save(ctx context.Context, qc QuoteContext) error {
	payload, err := json.Marshal(qc)
	if err != nil {
		return fmt.Errorf("encode funding quote: %w", err)
	}
	ttl := time.Until(qc.ExpiresAt) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}
	if err := s.client.Set(ctx, quoteKeyPrefix+qc.Reference, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store funding quote %s: %w", qc.Reference, err)
	}
	return nil
}

func (s *RedisQuoteStore) Get(ctx context.Context, reference string) (QuoteContext, error) {
	raw, err := s.client.Get(ctx, quoteKeyPrefix+reference).Bytes()
	if errors.Is(err, redis.Nil) {
		return QuoteContext{}, quoteNotFound(reference)
	}
	if err != nil {
		return QuoteContext{}, fmt.Errorf("load funding quote %s: %w", reference, err)
	}
	var qc QuoteContext
	if err := json.Unmarshal(raw, &qc); err != nil {
		return QuoteContext{}, fmt.Errorf("decode funding quote %s: %w", reference, err)
	}
	return qc, nil
}

// MemoryQuoteStore is a QuoteStore for tests and local runs. Entries never
// expire.
type MemoryQuoteStore struct {
	mu     sync.RWMutex
	quotes map[string]QuoteContext
}

func NewMemoryQuoteStore() *MemoryQuoteStore {
	return &MemoryQuoteStore{quotes: make(map[string]QuoteContext)}
}

func (s *MemoryQuoteStore) Save(_ context.Context, qc QuoteContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[qc.Reference] = qc
	return nil
}

func (s *MemoryQuoteStore) Get(_ context.Context, reference string) (QuoteContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qc, ok := s.quotes[reference]
	if !ok {
		return QuoteContext{}, quoteNotFound(reference)
	}
	return qc, nil
}

// Package lock serializes money mutations on a shared resource across
// processes. Callers must re-validate their preconditions once fn runs.
package lock

import (
	"context"
	"strings"
	"time"

	"github.com/congo-pay/cardledger/internal/apperr"
	"github.com/congo-pay/cardledger/internal/metrics"
)

// Options bound how long a lock is held and how hard acquisition tries.
type Options struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// DefaultOptions wait up to five seconds for a thirty second lease.
func DefaultOptions() Options {
	return Options{TTL: 30 * time.Second, RetryCount: 50, RetryDelay: 100 * time.Millisecond}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.RetryCount <= 0 {
		o.RetryCount = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	return o
}

// Locker runs fn while holding key. fn receives a context that expires with
// the lease. The lock is released on every exit path, panics included.
// Failing to acquire returns an apperr conflict.
type Locker interface {
	WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error
}

// Do is WithLock for functions that produce a value.
func Do[T any](ctx context.Context, l Locker, key string, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.WithLock(ctx, key, opts, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func CardKey(cardID string) string { return "card:" + cardID }

func FundingExecKey(userID, cardID, reference string) string {
	return "card_funding_exec:" + userID + ":" + cardID + ":" + reference
}

func FundingTransferKey(transactionID string) string {
	return "card_funding_transfer:" + transactionID
}

func IssuanceFeeKey(cardID string) string { return "issuance-fee:card:" + cardID }

func DisputeKey(transactionID string) string { return "dispute:transaction:" + transactionID }

// acquire polls try up to RetryCount times, RetryDelay apart.
func acquire(ctx context.Context, key string, opts Options, try func(ctx context.Context) (bool, error)) error {
	family := familyOf(key)
	for attempt := 1; ; attempt++ {
		ok, err := try(ctx)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues(family, metrics.OutcomeFailure).Inc()
			return err
		}
		if ok {
			metrics.LockAcquisitions.WithLabelValues(family, metrics.OutcomeSuccess).Inc()
			return nil
		}
		if attempt >= opts.RetryCount {
			metrics.LockAcquisitions.WithLabelValues(family, metrics.OutcomeContended).Inc()
			return apperr.Conflict("resource %s is busy, try again", key)
		}

		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func run(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	leaseCtx, cancel := context.WithTimeout(ctx, opts.TTL)
	defer cancel()
	return fn(leaseCtx)
}

func familyOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

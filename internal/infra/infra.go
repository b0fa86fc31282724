package infra

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Dial controls how long startup waits for a backing service.
type Dial struct {
	Attempts  int
	BaseDelay time.Duration
	Logger    *slog.Logger
}

func (d Dial) backoff() retry.Backoff {
	attempts := d.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := d.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return retry.WithCappedDuration(5*time.Second,
		retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base)))
}

// ping retries fn until it succeeds or the attempts run out.
func (d Dial) ping(ctx context.Context, name string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, d.backoff(), func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			if d.Logger != nil {
				d.Logger.Warn("backing service not ready",
					slog.String("service", name),
					slog.Int("attempt", attempt),
					slog.Any("error", err),
				)
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

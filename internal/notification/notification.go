package notification

import (
	"context"
	"log/slog"
)

// Category names the event a user is told about.
type Category string

const (
	CategoryFundingSucceeded  Category = "card_funding_succeeded"
	CategoryFundingFailed     Category = "card_funding_failed"
	CategoryIssuanceFeeFailed Category = "card_issuance_fee_failed"
	CategoryDisputeCreated    Category = "card_dispute_created"
	CategoryDisputeUpdated    Category = "card_dispute_updated"
	CategoryCardReissued      Category = "card_reissued"
)

// Sink delivers notifications to downstream systems.
type Sink interface {
	Notify(ctx context.Context, userID string, category Category, metadata map[string]string) error
}

// LoggerSink is a stub implementation that writes notifications to the logger.
type LoggerSink struct {
	logger *slog.Logger
}

// NewLoggerSink constructs a logging notification stub.
func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	return &LoggerSink{logger: logger}
}

// Notify writes the notification to the structured logger.
func (n *LoggerSink) Notify(_ context.Context, userID string, category Category, metadata map[string]string) error {
	if n == nil || n.logger == nil {
		return nil
	}
	attrs := make([]any, 0, len(metadata)+2)
	attrs = append(attrs, slog.String("user_id", userID), slog.String("category", string(category)))
	for k, v := range metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	n.logger.Info("notification", attrs...)
	return nil
}

// BestEffort wraps a Sink so delivery failures are logged and never reach
// the money path.
type BestEffort struct {
	sink   Sink
	logger *slog.Logger
}

func NewBestEffort(sink Sink, logger *slog.Logger) *BestEffort {
	return &BestEffort{sink: sink, logger: logger}
}

func (b *BestEffort) Notify(ctx context.Context, userID string, category Category, metadata map[string]string) error {
	if b == nil || b.sink == nil {
		return nil
	}
	if err := b.sink.Notify(ctx, userID, category, metadata); err != nil {
		b.logger.Warn("notification delivery failed",
			slog.String("user_id", userID),
			slog.String("category", string(category)),
			slog.Any("error", err),
		)
	}
	return nil
}

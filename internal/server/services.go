package server

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/congo-pay/cardledger/internal/cards"
	"github.com/congo-pay/cardledger/internal/config"
	"github.com/congo-pay/cardledger/internal/dispute"
	"github.com/congo-pay/cardledger/internal/fees"
	"github.com/congo-pay/cardledger/internal/funding"
	"github.com/congo-pay/cardledger/internal/issuance"
	"github.com/congo-pay/cardledger/internal/jobs"
	"github.com/congo-pay/cardledger/internal/ledger"
	"github.com/congo-pay/cardledger/internal/lock"
	"github.com/congo-pay/cardledger/internal/notification"
	"github.com/congo-pay/cardledger/internal/provider"
	"github.com/congo-pay/cardledger/internal/store"
)

const memoryQueueWorkers = 4

// Services is the wired application graph.
type Services struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Cards      *cards.Service
	Funding    *funding.Workflow
	Issuance   *issuance.Settler
	Disputes   *dispute.Engine
	Dispatcher *jobs.Dispatcher

	memoryQueue *jobs.MemoryQueue
	kafkaWriter *kafka.Writer
	kafkaReader *kafka.Reader
	consumer    func(ctx context.Context) error
	logger      *slog.Logger
}

// NewServices wires every service. Postgres, Redis and Kafka back the store,
// locks, quotes and jobs when configured; otherwise in-process equivalents
// are used.
func NewServices(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) *Services {
	s := &Services{logger: logger}

	if db != nil {
		s.Store = store.NewPostgres(db)
	} else {
		s.Store = store.NewMemory()
	}
	s.Ledger = ledger.New(s.Store)

	var locker lock.Locker = lock.NewLocal()
	var quotes funding.QuoteStore = funding.NewMemoryQuoteStore()
	if cache != nil {
		locker = lock.NewRedis(cache, logger)
		quotes = funding.NewRedisQuoteStore(cache, cfg.IdempotencyTTL)
	}

	feeEngine := fees.NewEngine(cfg.FeeSchedule())
	gateway := provider.WithTimeout(provider.StaticGateway{}, cfg.ProviderTimeout)
	exchange := provider.ExchangeWithTimeout(provider.NewStaticExchange(cfg.QuoteTTL), cfg.ProviderTimeout)
	notifier := notification.NewBestEffort(notification.NewLoggerSink(logger), logger)
	lockOpts := cfg.LockOptions()

	s.Dispatcher = jobs.NewDispatcher(logger)
	var queue jobs.Queue
	if len(cfg.KafkaBrokers) > 0 {
		s.kafkaWriter = jobs.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		queue = jobs.NewKafkaQueue(s.kafkaWriter)
		s.kafkaReader = jobs.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
		consumer := jobs.NewKafkaConsumer(s.kafkaReader, s.Dispatcher, cfg.JobRetryPolicy(), logger)
		s.consumer = consumer.Run
	} else {
		s.memoryQueue = jobs.NewMemoryQueue(s.Dispatcher, memoryQueueWorkers, logger)
		queue = s.memoryQueue
	}

	s.Issuance = issuance.NewSettler(s.Ledger, feeEngine, locker, lockOpts, gateway, notifier, cfg.IssuancePolicy(), logger)
	s.Funding = funding.NewWorkflow(funding.Deps{
		Ledger:   s.Ledger,
		Fees:     feeEngine,
		Locker:   locker,
		LockOpts: lockOpts,
		Exchange: exchange,
		Queue:    queue,
		Quotes:   quotes,
		Issuance: s.Issuance,
		Notifier: notifier,
		Limits:   cfg.FundingLimits(),
		QuoteTTL: cfg.QuoteTTL,
		Logger:   logger,
	})
	s.Dispatcher.Register(jobs.TypeFundingTransfer, s.Funding.ProcessTransfer)

	s.Cards = cards.NewService(s.Ledger, locker, lockOpts, gateway, notifier, logger)
	s.Disputes = dispute.NewEngine(dispute.Deps{
		Ledger:   s.Ledger,
		Store:    s.Store,
		Fees:     feeEngine,
		Locker:   locker,
		LockOpts: lockOpts,
		Gateway:  gateway,
		Notifier: notifier,
		Window:   cfg.DisputeWindow(),
		Logger:   logger,
	})

	return s
}

// RunJobs blocks until ctx is canceled. With Kafka configured it consumes
// the job topic; the in-memory queue runs its own workers.
func (s *Services) RunJobs(ctx context.Context) error {
	if s.consumer != nil {
		return s.consumer(ctx)
	}
	<-ctx.Done()
	return nil
}

// Close drains the in-memory queue and closes the Kafka clients.
func (s *Services) Close() {
	if s.memoryQueue != nil {
		s.memoryQueue.Close()
	}
	if s.kafkaReader != nil {
		if err := s.kafkaReader.Close(); err != nil {
			s.logger.Warn("close kafka reader", slog.Any("error", err))
		}
	}
	if s.kafkaWriter != nil {
		if err := s.kafkaWriter.Close(); err != nil {
			s.logger.Warn("close kafka writer", slog.Any("error", err))
		}
	}
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
)

const headerJobType = "job-type"

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a synchronous writer: Enqueue only returns once the
// broker acknowledged the job.
func NewKafkaWriter(brokers []string, topic string, logger *slog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,

		AllowAutoTopicCreation: true,

		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// KafkaQueue publishes jobs to a topic.
type KafkaQueue struct {
	writer MessageWriter
}

func NewKafkaQueue(w MessageWriter) *KafkaQueue {
	return &KafkaQueue{writer: w}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, jobType Type, payload any) (Handle, error) {
	job, err := newJob(jobType, payload)
	if err != nil {
		return Handle{}, err
	}
	value, err := json.Marshal(job)
	if err != nil {
		return Handle{}, fmt.Errorf("encode job: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(job.ID),
		Value:   value,
		Headers: []kafka.Header{{Key: headerJobType, Value: []byte(jobType)}},
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return Handle{}, fmt.Errorf("publish %s job: %w", jobType, err)
	}
	return Handle{ID: job.ID, Type: job.Type}, nil
}

// RetryPolicy bounds how often a consumer redelivers a failing job to its
// handler before committing past it. Attempts counts the first try. The
// wait grows by Delay after each failure.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

func (p RetryPolicy) backoff() retry.Backoff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewLinear(delay))
}

// KafkaConsumer feeds topic messages to a Dispatcher. A message is committed
// once its handler succeeded or the retry policy ran out.
type KafkaConsumer struct {
	reader     MessageReader
	dispatcher *Dispatcher
	policy     RetryPolicy
	logger     *slog.Logger
}

func NewKafkaConsumer(r MessageReader, d *Dispatcher, policy RetryPolicy, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{reader: r, dispatcher: d, policy: policy, logger: logger}
}

// Run consumes until ctx is canceled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch job: %w", err)
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit job offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	var job Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		c.logger.Error("dropping undecodable job", slog.Int64("offset", msg.Offset), slog.Any("error", err))
		return
	}

	attempts := 0
	err := retry.Do(ctx, c.policy.backoff(), func(ctx context.Context) error {
		attempts++
		err := c.dispatcher.Dispatch(ctx, job)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNoHandler) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		c.logger.Error("giving up on job",
			slog.String("job_id", job.ID),
			slog.String("type", string(job.Type)),
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)
	}
}

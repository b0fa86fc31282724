// Package jobs hands asynchronous work to workers with at-least-once
// delivery. Handlers must be idempotent.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/cardledger/internal/metrics"
)

type Type string

const TypeFundingTransfer Type = "funding.transfer"

// ErrNoHandler is returned for a job whose type has no registered handler.
var ErrNoHandler = errors.New("no handler registered")

// Job is the envelope carried by every transport.
type Job struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Type, j.ID, err)
	}
	return nil
}

// Handle identifies an enqueued job.
type Handle struct {
	ID   string
	Type Type
}

type Queue interface {
	Enqueue(ctx context.Context, jobType Type, payload any) (Handle, error)
}

type Handler func(ctx context.Context, job Job) error

func newJob(jobType Type, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return Job{ID: uuid.NewString(), Type: jobType, Payload: raw, EnqueuedAt: time.Now().UTC()}, nil
}

// Dispatcher routes jobs to the handler registered for their type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
	logger   *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{handlers: make(map[Type]Handler), logger: logger}
}

func (d *Dispatcher) Register(jobType Type, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[jobType] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	d.mu.RLock()
	h, ok := d.handlers[job.Type]
	d.mu.RUnlock()
	if !ok {
		metrics.JobsProcessed.WithLabelValues(string(job.Type), metrics.OutcomeSkipped).Inc()
		return fmt.Errorf("job type %q: %w", job.Type, ErrNoHandler)
	}

	if err := h(ctx, job); err != nil {
		metrics.JobsProcessed.WithLabelValues(string(job.Type), metrics.OutcomeFailure).Inc()
		d.logger.Error("job failed", slog.String("job_id", job.ID), slog.String("type", string(job.Type)), slog.Any("error", err))
		return err
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Type), metrics.OutcomeSuccess).Inc()
	return nil
}

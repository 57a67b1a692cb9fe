// Package channel is the in-process job-available signal. Producers emit after
// an enqueue; idle workers wake instead of waiting for the next poll.
package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/metrics"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
)

var ErrBufferFull = errors.New("signal buffer full")

type Signal struct {
	TenantID uuid.UUID
	JobID    uuid.UUID
	Type     domain.JobType
}

type Bus struct {
	ch chan Signal
}

func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		ch: make(chan Signal, buffer),
	}
}

// Emit never blocks. A full buffer already holds a pending wakeup, so the
// signal is dropped with ErrBufferFull.
func (b *Bus) Emit(ctx context.Context, sig Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.ch <- sig:
		return nil
	default:
		return ErrBufferFull
	}
}

func (b *Bus) Channel() <-chan Signal {
	return b.ch
}

// SignalingEnqueuer emits a Signal for every newly created job.
type SignalingEnqueuer struct {
	next    queue.Enqueuer
	bus     *Bus
	metrics metrics.Sink
}

func NewSignalingEnqueuer(next queue.Enqueuer, bus *Bus) *SignalingEnqueuer {
	return &SignalingEnqueuer{next: next, bus: bus, metrics: metrics.NewNoopSink()}
}

func (e *SignalingEnqueuer) WithMetrics(sink metrics.Sink) *SignalingEnqueuer {
	e.metrics = sink
	return e
}

func (e *SignalingEnqueuer) Enqueue(ctx context.Context, job domain.Job) (uuid.UUID, bool, error) {
	id, created, err := e.next.Enqueue(ctx, job)
	if err != nil || !created {
		return id, created, err
	}
	if err := e.bus.Emit(ctx, Signal{TenantID: job.TenantID, JobID: id, Type: job.Type}); errors.Is(err, ErrBufferFull) {
		e.metrics.WakeupDropped()
	}
	return id, created, nil
}

// Package queue defines the broker contract between producers, the worker
// engine and the storage backends.
//
// Jobs live in per-tenant logical queues. Dequeue claims a batch, serving
// tenants round-robin, and hides claimed jobs for the visibility window.
// A claim that is neither acked nor nacked before the window elapses is
// redelivered.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
)

var (
	ErrNotFound = errors.New("job not found")

	// ErrClaimLost is returned by Ack, Nack and DeadLetter when the job is no
	// longer running under the caller's claim token.
	ErrClaimLost = errors.New("job claim lost")

	ErrNotCancellable  = errors.New("job is not cancellable")
	ErrNotDeadLettered = errors.New("job is not dead-lettered")
)

// Broker is implemented by the memory and postgres stores.
type Broker interface {
	Enqueuer

	// Dequeue claims up to maxBatch jobs. Each claim increments Attempts and
	// issues a fresh ClaimToken.
	Dequeue(ctx context.Context, workerID string, maxBatch int) ([]domain.Job, error)
	Ack(ctx context.Context, job domain.Job) error
	Nack(ctx context.Context, job domain.Job, retryAfter time.Duration, cause error) error
	DeadLetter(ctx context.Context, job domain.Job, reason error) error

	// HasSucceeded reports whether a job other than job with the same
	// (tenant, type, idempotency key) has already succeeded.
	HasSucceeded(ctx context.Context, job domain.Job) (bool, error)

	Get(ctx context.Context, tenantID, jobID uuid.UUID) (domain.Job, error)
	Cancel(ctx context.Context, tenantID, jobID uuid.UUID) error
	ListDeadLetters(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.Job, error)
	DiscardDeadLetter(ctx context.Context, tenantID, jobID uuid.UUID) error

	// RequeueExpired sweeps claims whose visibility window has elapsed.
	RequeueExpired(ctx context.Context, limit int) (ReapResult, error)
}

// Enqueuer is the producer side of the broker. Enqueue returns the existing
// job id and created=false when a job with the same (tenant, type,
// idempotency key) is queued, running or succeeded.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) (id uuid.UUID, created bool, err error)
}

// ReapResult lists the jobs touched by one RequeueExpired sweep.
type ReapResult struct {
	// Requeued jobs had retry budget left and are claimable again.
	Requeued []domain.Job
	// Exhausted jobs used their last attempt on the expired claim and were dead-lettered.
	Exhausted []domain.Job
}

// ErrClaimExpired is the dead-letter cause recorded for exhausted expired claims.
var ErrClaimExpired = errors.New("visibility timeout expired")

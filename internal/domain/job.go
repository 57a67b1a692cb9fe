package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeIngest    JobType = "ingest"
	JobTypeReconcile JobType = "reconcile"
	JobTypeNotify    JobType = "notify"
	JobTypeReport    JobType = "report"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeIngest, JobTypeReconcile, JobTypeNotify, JobTypeReport:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusRunning      JobStatus = "running"
	JobStatusSucceeded    JobStatus = "succeeded"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDeadLettered JobStatus = "dead_lettered"
	JobStatusCancelled    JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
// dead_lettered is terminal for the pipeline; only an operator discard moves it to failed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusDeadLettered, JobStatusCancelled:
		return true
	}
	return false
}

// HoldsIdempotencyKey reports whether a job in this status blocks
// re-enqueueing another job with the same key.
func (s JobStatus) HoldsIdempotencyKey() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded:
		return true
	}
	return false
}

const DefaultMaxAttempts = 5

type Job struct {
	ID       uuid.UUID
	TenantID uuid.UUID

	Type           JobType
	Payload        json.RawMessage
	IdempotencyKey string

	// Attempts counts claims, so a dead-lettered job never exceeds MaxAttempts.
	Attempts    int
	MaxAttempts int
	Status      JobStatus
	LastError   string

	ClaimedBy    string
	ClaimToken   uuid.UUID
	VisibleUntil time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	NextRunAt time.Time
}

// NewJob builds a queued job for the given payload. The payload's tenant must
// match tenantID. An empty idempotency key defaults to the job id.
func NewJob(tenantID uuid.UUID, payload Payload, idempotencyKey string, maxAttempts int, now time.Time) (Job, error) {
	if payload.Tenant() != tenantID {
		return Job{}, fmt.Errorf("payload tenant %s does not match job tenant %s", payload.Tenant(), tenantID)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	return NewRawJob(tenantID, payload.JobType(), raw, idempotencyKey, maxAttempts, now), nil
}

// NewRawJob builds a queued job from an already-encoded payload.
// Callers are expected to have validated raw with DecodePayload.
func NewRawJob(tenantID uuid.UUID, typ JobType, raw json.RawMessage, idempotencyKey string, maxAttempts int, now time.Time) Job {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	id := uuid.New()
	if idempotencyKey == "" {
		idempotencyKey = id.String()
	}
	now = now.UTC()
	return Job{
		ID:             id,
		TenantID:       tenantID,
		Type:           typ,
		Payload:        raw,
		IdempotencyKey: idempotencyKey,
		MaxAttempts:    maxAttempts,
		Status:         JobStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
		NextRunAt:      now,
	}
}

func (j Job) OwnerTenant() uuid.UUID { return j.TenantID }

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/joberr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
)

var _ queue.Broker = (*Store)(nil)

// Enqueue inserts job unless the tenant already holds its idempotency key,
// in which case the holder's id is returned with created=false.
func (s *Store) Enqueue(ctx context.Context, job domain.Job) (uuid.UUID, bool, error) {
	if job.TenantID == uuid.Nil || !job.Type.Valid() || job.ID == uuid.Nil {
		return uuid.Nil, false, fmt.Errorf("enqueue: invalid job id=%s tenant=%s type=%q", job.ID, job.TenantID, job.Type)
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	now := s.now()
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = domain.DefaultMaxAttempts
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	nextRunAt := job.NextRunAt
	if nextRunAt.IsZero() {
		nextRunAt = now
	}

	// The holder can resolve between the insert and the lookup; one retry
	// covers that window.
	for i := 0; i < 2; i++ {
		var id uuid.UUID
		err := s.db.QueryRowContext(ctx, queryInsertJob,
			job.ID,
			job.TenantID,
			job.Type,
			[]byte(job.Payload),
			job.IdempotencyKey,
			job.MaxAttempts,
			createdAt.UTC(),
			nextRunAt.UTC(),
		).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, false, fmt.Errorf("insert job: %w", err)
		}

		err = s.db.QueryRowContext(ctx, queryFindKeyHolder, job.TenantID, job.Type, job.IdempotencyKey).Scan(&id)
		if err == nil {
			return id, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, false, fmt.Errorf("find key holder: %w", err)
		}
		found, err := s.exists(ctx, queryJobExists, job.ID, job.TenantID)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("check job: %w", err)
		}
		if found {
			return job.ID, false, nil
		}
	}
	return uuid.Nil, false, fmt.Errorf("enqueue %s: idempotency key %q contended", job.ID, job.IdempotencyKey)
}

// Dequeue claims up to maxBatch jobs, one per tenant per round, oldest first.
func (s *Store) Dequeue(ctx context.Context, workerID string, maxBatch int) ([]domain.Job, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	now := s.now()
	rows, err := s.db.QueryContext(ctx, queryDequeue, now, maxBatch, workerID, now.Add(s.visibility))
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID.String() < jobs[b].ID.String()
	})
	return jobs, nil
}

func (s *Store) Ack(ctx context.Context, job domain.Job) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.settle(ctx, job, queryAck, job.ID, job.TenantID, job.ClaimToken, s.now())
}

func (s *Store) Nack(ctx context.Context, job domain.Job, retryAfter time.Duration, cause error) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	now := s.now()
	lastErr := job.LastError
	if cause != nil {
		lastErr = cause.Error()
	}
	return s.settle(ctx, job, queryNack, job.ID, job.TenantID, job.ClaimToken, now, lastErr, now.Add(retryAfter))
}

func (s *Store) DeadLetter(ctx context.Context, job domain.Job, reason error) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	lastErr := job.LastError
	if reason != nil {
		lastErr = reason.Error()
	}
	return s.settle(ctx, job, queryDeadLetter, job.ID, job.TenantID, job.ClaimToken, s.now(), lastErr)
}

// settle runs a claim-guarded update and tells a lost claim from a missing job.
func (s *Store) settle(ctx context.Context, job domain.Job, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("settle job %s: %w", job.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}
	found, err := s.exists(ctx, queryJobExists, job.ID, job.TenantID)
	if err != nil {
		return err
	}
	if !found {
		return queue.ErrNotFound
	}
	return queue.ErrClaimLost
}

func (s *Store) HasSucceeded(ctx context.Context, job domain.Job) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.exists(ctx, queryHasSucceeded, job.TenantID, job.Type, job.IdempotencyKey, job.ID)
}

func (s *Store) Get(ctx context.Context, tenantID, jobID uuid.UUID) (domain.Job, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	job, err := scanJob(s.db.QueryRowContext(ctx, queryGetJob, jobID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, queue.ErrNotFound
	}
	return job, err
}

func (s *Store) Cancel(ctx context.Context, tenantID, jobID uuid.UUID) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.guarded(ctx, tenantID, jobID, queue.ErrNotCancellable, queryCancelJob, jobID, tenantID, s.now())
}

func (s *Store) ListDeadLetters(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListDeadLetters, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) DiscardDeadLetter(ctx context.Context, tenantID, jobID uuid.UUID) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.guarded(ctx, tenantID, jobID, queue.ErrNotDeadLettered, queryDiscardDeadLetter, jobID, tenantID, s.now())
}

// guarded runs a status-guarded update and wraps refusal with the job's current status.
func (s *Store) guarded(ctx context.Context, tenantID, jobID uuid.UUID, refused error, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status %s", refused, job.Status)
}

// RequeueExpired releases claims whose visibility deadline passed. Jobs on
// their last attempt are dead-lettered instead.
func (s *Store) RequeueExpired(ctx context.Context, limit int) (queue.ReapResult, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	now := s.now()
	var res queue.ReapResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		type expiredClaim struct {
			id                    uuid.UUID
			attempts, maxAttempts int
		}
		rows, err := tx.QueryContext(ctx, querySelectExpired, now, limit)
		if err != nil {
			return fmt.Errorf("select expired: %w", err)
		}
		var expired []expiredClaim
		for rows.Next() {
			var c expiredClaim
			if err := rows.Scan(&c.id, &c.attempts, &c.maxAttempts); err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range expired {
			status := domain.JobStatusQueued
			lastErr := queue.ErrClaimExpired.Error()
			if c.attempts >= c.maxAttempts {
				status = domain.JobStatusDeadLettered
				lastErr = joberr.Exhausted(c.attempts, queue.ErrClaimExpired).Error()
			}
			job, err := scanJob(tx.QueryRowContext(ctx, queryReleaseExpired, c.id, status, lastErr, now))
			if err != nil {
				return fmt.Errorf("release %s: %w", c.id, err)
			}
			if status == domain.JobStatusDeadLettered {
				res.Exhausted = append(res.Exhausted, job)
			} else {
				res.Requeued = append(res.Requeued, job)
			}
		}
		return nil
	})
	if err != nil {
		return queue.ReapResult{}, err
	}
	return res, nil
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		job          domain.Job
		payload      []byte
		claimToken   uuid.NullUUID
		visibleUntil sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.Type,
		&payload,
		&job.IdempotencyKey,
		&job.Attempts,
		&job.MaxAttempts,
		&job.Status,
		&job.LastError,
		&job.ClaimedBy,
		&claimToken,
		&visibleUntil,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.NextRunAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	job.Payload = payload
	if claimToken.Valid {
		job.ClaimToken = claimToken.UUID
	}
	if visibleUntil.Valid {
		job.VisibleUntil = visibleUntil.Time.UTC()
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.NextRunAt = job.NextRunAt.UTC()
	return job, nil
}

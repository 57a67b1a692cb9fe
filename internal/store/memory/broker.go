package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/joberr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
)

var _ queue.Broker = (*Store)(nil)

func (s *Store) Enqueue(ctx context.Context, job domain.Job) (uuid.UUID, bool, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, false, err
	}
	if job.TenantID == uuid.Nil || !job.Type.Valid() || job.ID == uuid.Nil {
		return uuid.Nil, false, fmt.Errorf("enqueue: invalid job id=%s tenant=%s type=%q", job.ID, job.TenantID, job.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.TenantID == job.TenantID &&
			existing.Type == job.Type &&
			existing.IdempotencyKey == job.IdempotencyKey &&
			existing.Status.HoldsIdempotencyKey() {
			return existing.ID, false, nil
		}
	}
	if _, exists := s.jobs[job.ID]; exists {
		return job.ID, false, nil
	}

	now := s.now()
	stored := job
	stored.Status = domain.JobStatusQueued
	stored.Attempts = 0
	stored.ClaimedBy = ""
	stored.ClaimToken = uuid.Nil
	stored.VisibleUntil = time.Time{}
	if stored.MaxAttempts <= 0 {
		stored.MaxAttempts = domain.DefaultMaxAttempts
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.NextRunAt.IsZero() {
		stored.NextRunAt = now
	}
	stored.UpdatedAt = now
	s.jobs[job.ID] = &stored
	return job.ID, true, nil
}

func (s *Store) Dequeue(ctx context.Context, workerID string, maxBatch int) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxBatch <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	byTenant := make(map[uuid.UUID][]*domain.Job)
	for _, j := range s.jobs {
		if claimable(j, now) {
			byTenant[j.TenantID] = append(byTenant[j.TenantID], j)
		}
	}

	tenants := make([]uuid.UUID, 0, len(byTenant))
	for tenantID, jobs := range byTenant {
		sort.Slice(jobs, func(a, b int) bool { return fifoLess(jobs[a], jobs[b]) })
		tenants = append(tenants, tenantID)
	}
	// Tenants whose oldest job has waited longest go first in every round.
	sort.Slice(tenants, func(a, b int) bool {
		ha, hb := byTenant[tenants[a]][0], byTenant[tenants[b]][0]
		if !ha.CreatedAt.Equal(hb.CreatedAt) {
			return ha.CreatedAt.Before(hb.CreatedAt)
		}
		return lessID(tenants[a], tenants[b])
	})

	var claimed []domain.Job
	for round := 0; len(claimed) < maxBatch; round++ {
		progressed := false
		for _, tenantID := range tenants {
			jobs := byTenant[tenantID]
			if round >= len(jobs) {
				continue
			}
			j := jobs[round]
			j.Status = domain.JobStatusRunning
			j.Attempts++
			j.ClaimedBy = workerID
			j.ClaimToken = uuid.New()
			j.VisibleUntil = now.Add(s.visibility)
			j.UpdatedAt = now
			claimed = append(claimed, *j)
			progressed = true
			if len(claimed) == maxBatch {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return claimed, nil
}

func claimable(j *domain.Job, now time.Time) bool {
	switch j.Status {
	case domain.JobStatusQueued:
		return !j.NextRunAt.After(now)
	case domain.JobStatusRunning:
		// Expired claims on the last attempt are left for the reaper to dead-letter.
		return !j.VisibleUntil.After(now) && j.Attempts < j.MaxAttempts
	}
	return false
}

func fifoLess(a, b *domain.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return lessID(a.ID, b.ID)
}

// claimedLocked returns the stored job if it is still running under job's claim token.
func (s *Store) claimedLocked(job domain.Job) (*domain.Job, error) {
	j, ok := s.jobs[job.ID]
	if !ok || j.TenantID != job.TenantID {
		return nil, queue.ErrNotFound
	}
	if j.Status != domain.JobStatusRunning || j.ClaimToken != job.ClaimToken {
		return nil, queue.ErrClaimLost
	}
	return j, nil
}

func release(j *domain.Job, status domain.JobStatus, now time.Time) {
	j.Status = status
	j.ClaimedBy = ""
	j.ClaimToken = uuid.Nil
	j.VisibleUntil = time.Time{}
	j.UpdatedAt = now
}

func (s *Store) Ack(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claimedLocked(job)
	if err != nil {
		return err
	}
	release(j, domain.JobStatusSucceeded, s.now())
	j.LastError = ""
	return nil
}

func (s *Store) Nack(ctx context.Context, job domain.Job, retryAfter time.Duration, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claimedLocked(job)
	if err != nil {
		return err
	}
	now := s.now()
	release(j, domain.JobStatusQueued, now)
	j.NextRunAt = now.Add(retryAfter)
	if cause != nil {
		j.LastError = cause.Error()
	}
	return nil
}

func (s *Store) DeadLetter(ctx context.Context, job domain.Job, reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claimedLocked(job)
	if err != nil {
		return err
	}
	release(j, domain.JobStatusDeadLettered, s.now())
	if reason != nil {
		j.LastError = reason.Error()
	}
	return nil
}

func (s *Store) HasSucceeded(ctx context.Context, job domain.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.ID != job.ID &&
			j.TenantID == job.TenantID &&
			j.Type == job.Type &&
			j.IdempotencyKey == job.IdempotencyKey &&
			j.Status == domain.JobStatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Get(ctx context.Context, tenantID, jobID uuid.UUID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return domain.Job{}, queue.ErrNotFound
	}
	return *j, nil
}

func (s *Store) Cancel(ctx context.Context, tenantID, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return queue.ErrNotFound
	}
	if j.Status != domain.JobStatusQueued {
		return fmt.Errorf("%w: status %s", queue.ErrNotCancellable, j.Status)
	}
	release(j, domain.JobStatusCancelled, s.now())
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.Status == domain.JobStatusDeadLettered {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].UpdatedAt.After(out[b].UpdatedAt)
		}
		return lessID(out[a].ID, out[b].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DiscardDeadLetter(ctx context.Context, tenantID, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return queue.ErrNotFound
	}
	if j.Status != domain.JobStatusDeadLettered {
		return fmt.Errorf("%w: status %s", queue.ErrNotDeadLettered, j.Status)
	}
	j.Status = domain.JobStatusFailed
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) RequeueExpired(ctx context.Context, limit int) (queue.ReapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []*domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusRunning && !j.VisibleUntil.After(now) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(a, b int) bool {
		if !expired[a].VisibleUntil.Equal(expired[b].VisibleUntil) {
			return expired[a].VisibleUntil.Before(expired[b].VisibleUntil)
		}
		return lessID(expired[a].ID, expired[b].ID)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	var res queue.ReapResult
	for _, j := range expired {
		if j.Attempts >= j.MaxAttempts {
			release(j, domain.JobStatusDeadLettered, now)
			j.LastError = joberr.Exhausted(j.Attempts, queue.ErrClaimExpired).Error()
			res.Exhausted = append(res.Exhausted, *j)
			continue
		}
		release(j, domain.JobStatusQueued, now)
		j.NextRunAt = now
		j.LastError = queue.ErrClaimExpired.Error()
		res.Requeued = append(res.Requeued, *j)
	}
	return res, nil
}

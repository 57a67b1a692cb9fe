package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
)

func (s *Store) CreateSchedule(ctx context.Context, sched domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sched.ID]; exists {
		return store.ErrDuplicate
	}
	now := s.now()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now
	sched.NextFireAt = sched.NextFireAt.UTC()
	sched.Payload = slices.Clone(sched.Payload)
	s.schedules[sched.ID] = sched
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, tenantID, scheduleID uuid.UUID) (domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[scheduleID]
	if !ok || sched.TenantID != tenantID {
		return domain.Schedule{}, store.ErrNotFound
	}
	return sched, nil
}

// DueSchedules returns enabled schedules with NextFireAt <= now, oldest first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && !sched.NextFireAt.After(now) {
			out = append(out, sched)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].NextFireAt.Equal(out[b].NextFireAt) {
			return out[a].NextFireAt.Before(out[b].NextFireAt)
		}
		return lessID(out[a].ID, out[b].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AdvanceSchedule moves NextFireAt from -> to. It returns store.ErrConflict
// if the schedule no longer fires at from.
func (s *Store) AdvanceSchedule(ctx context.Context, tenantID, scheduleID uuid.UUID, from, to time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[scheduleID]
	if !ok || sched.TenantID != tenantID {
		return store.ErrNotFound
	}
	if !sched.NextFireAt.Equal(from) {
		return fmt.Errorf("%w: schedule %s fires at %s, not %s", store.ErrConflict, scheduleID, sched.NextFireAt.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	sched.NextFireAt = to.UTC()
	sched.UpdatedAt = s.now()
	s.schedules[scheduleID] = sched
	return nil
}

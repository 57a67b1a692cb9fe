package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
)

func (s *Store) CreateSchedule(ctx context.Context, sched domain.Schedule) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	now := s.now()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	var payload any
	if len(sched.Payload) > 0 {
		payload = []byte(sched.Payload)
	}
	_, err := s.db.ExecContext(ctx, queryInsertSchedule,
		sched.ID,
		sched.TenantID,
		sched.JobType,
		sched.CronExpression,
		sched.Timezone,
		payload,
		sched.Enabled,
		sched.NextFireAt.UTC(),
		sched.CreatedAt.UTC(),
		now,
	)
	if _, dup := uniqueConstraint(err); dup {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) GetSchedule(ctx context.Context, tenantID, scheduleID uuid.UUID) (domain.Schedule, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	sched, err := scanSchedule(s.db.QueryRowContext(ctx, queryGetSchedule, scheduleID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, store.ErrNotFound
	}
	return sched, err
}

// DueSchedules returns enabled schedules whose next fire time is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryDueSchedules, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// AdvanceSchedule moves NextFireAt from -> to. It returns store.ErrConflict
// if the schedule no longer fires at from.
func (s *Store) AdvanceSchedule(ctx context.Context, tenantID, scheduleID uuid.UUID, from, to time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryAdvanceSchedule, scheduleID, tenantID, from.UTC(), to.UTC(), s.now())
	if err != nil {
		return fmt.Errorf("advance schedule %s: %w", scheduleID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}
	found, err := s.exists(ctx, queryScheduleExists, scheduleID, tenantID)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: schedule %s no longer fires at %s", store.ErrConflict, scheduleID, from.Format(time.RFC3339))
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		sched   domain.Schedule
		payload []byte
	)
	err := row.Scan(
		&sched.ID,
		&sched.TenantID,
		&sched.JobType,
		&sched.CronExpression,
		&sched.Timezone,
		&payload,
		&sched.Enabled,
		&sched.NextFireAt,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	if len(payload) > 0 {
		sched.Payload = payload
	}
	sched.NextFireAt = sched.NextFireAt.UTC()
	sched.CreatedAt = sched.CreatedAt.UTC()
	sched.UpdatedAt = sched.UpdatedAt.UTC()
	return sched, nil
}

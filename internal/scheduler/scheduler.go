// Package scheduler fires due schedules into the job queue.
//
// A tick enqueues one job per due schedule and then advances the schedule
// past now. A schedule that missed several fire times fires once. The job's
// idempotency key is derived from the fire time it was due at, so a tick that
// crashes between enqueue and advance cannot fire twice.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/metrics"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
)

var ErrNoDefaultPayload = errors.New("schedule has no payload and its job type has no default")

type Store interface {
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	AdvanceSchedule(ctx context.Context, tenantID, scheduleID uuid.UUID, from, to time.Time) error
}

type CronParser interface {
	NextAfter(expression, timezone string, after time.Time) (time.Time, error)
}

type Config struct {
	TickInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

type Scheduler struct {
	config   Config
	store    Store
	parser   CronParser
	enqueuer queue.Enqueuer
	locker   Locker
	logger   logrus.FieldLogger
	metrics  metrics.Sink
	clock    func() time.Time
}

func New(config Config, store Store, parser CronParser, enqueuer queue.Enqueuer) *Scheduler {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Scheduler{
		config:   config,
		store:    store,
		parser:   parser,
		enqueuer: enqueuer,
		logger:   logging.Component(logging.Discard(), "scheduler"),
		metrics:  metrics.NewNoopSink(),
		clock:    time.Now,
	}
}

func (s *Scheduler) WithLogger(logger logrus.FieldLogger) *Scheduler {
	s.logger = logging.Component(logger, "scheduler")
	return s
}

func (s *Scheduler) WithMetrics(sink metrics.Sink) *Scheduler {
	s.metrics = sink
	return s
}

// WithLocker guards each tick with a distributed lock.
func (s *Scheduler) WithLocker(l Locker) *Scheduler {
	s.locker = l
	return s
}

func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.WithField("tick", s.config.TickInterval).Info("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				logging.Error(s.logger, "tick", err, nil)
			}
		}
	}
}

// Tick fires every due schedule once and reports how many jobs were created.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.metrics.TickStarted()
	start := time.Now()

	fired, err := s.tick(ctx)
	s.metrics.TickCompleted(time.Since(start), fired, err)
	return fired, err
}

func (s *Scheduler) tick(ctx context.Context) (int, error) {
	if s.locker != nil {
		release, err := s.locker.Obtain(ctx, tickLockKey, s.lockTTL())
		if errors.Is(err, ErrLocked) {
			s.logger.Debug("another instance holds the tick lock, skipping")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("obtain tick lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.WithError(err).Warn("release tick lock")
			}
		}()
	}

	now := s.clock().UTC()
	due, err := s.store.DueSchedules(ctx, now, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due schedules: %w", err)
	}

	fired := 0
	for _, sched := range due {
		created, err := s.fire(ctx, sched, now)
		if err != nil {
			logging.Error(s.logger, "fire_schedule", err, logrus.Fields{
				"tenant_id":   sched.TenantID,
				"schedule_id": sched.ID,
			})
			continue
		}
		if created {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, sched domain.Schedule, now time.Time) (bool, error) {
	log := s.logger.WithFields(logrus.Fields{
		"tenant_id":    sched.TenantID,
		"schedule_id":  sched.ID,
		"job_type":     sched.JobType,
		"next_fire_at": sched.NextFireAt.Format(time.RFC3339),
	})

	next, err := s.parser.NextAfter(sched.CronExpression, sched.Timezone, now)
	if err != nil {
		return false, fmt.Errorf("next fire time: %w", err)
	}

	created := false
	job, err := s.buildJob(sched, now)
	if err != nil {
		// A broken payload would fail on every tick; skip this fire and move on.
		log.WithError(err).Error("schedule payload invalid, skipping fire")
	} else {
		id, ok, err := s.enqueuer.Enqueue(ctx, job)
		if err != nil {
			return false, fmt.Errorf("enqueue: %w", err)
		}
		created = ok
		log.WithFields(logrus.Fields{"job_id": id, "created": ok}).Info("schedule fired")
	}

	err = s.store.AdvanceSchedule(ctx, sched.TenantID, sched.ID, sched.NextFireAt, next)
	if errors.Is(err, store.ErrConflict) {
		log.Debug("schedule advanced concurrently")
		return created, nil
	}
	if err != nil {
		return created, fmt.Errorf("advance: %w", err)
	}
	return created, nil
}

func (s *Scheduler) buildJob(sched domain.Schedule, now time.Time) (domain.Job, error) {
	raw := sched.Payload
	if len(raw) == 0 {
		def, err := defaultPayload(sched)
		if err != nil {
			return domain.Job{}, err
		}
		raw = def
	}
	payload, err := domain.DecodePayload(sched.JobType, raw)
	if err != nil {
		return domain.Job{}, err
	}
	if payload.Tenant() != sched.TenantID {
		return domain.Job{}, fmt.Errorf("payload tenant %s does not match schedule tenant %s", payload.Tenant(), sched.TenantID)
	}
	return domain.NewJob(sched.TenantID, payload, IdempotencyKey(sched.ID, sched.NextFireAt), s.config.MaxAttempts, now)
}

func defaultPayload(sched domain.Schedule) (json.RawMessage, error) {
	switch sched.JobType {
	case domain.JobTypeReport:
		return json.Marshal(&domain.ReportPayload{TenantID: sched.TenantID, ScheduleID: sched.ID})
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDefaultPayload, sched.JobType)
}

func (s *Scheduler) lockTTL() time.Duration {
	if s.config.TickInterval > 0 {
		return s.config.TickInterval
	}
	return 30 * time.Second
}

// IdempotencyKey identifies the job fired for scheduleID at fireAt.
func IdempotencyKey(scheduleID uuid.UUID, fireAt time.Time) string {
	data := fmt.Sprintf("%s:%d", scheduleID.String(), fireAt.Unix())
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

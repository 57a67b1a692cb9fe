package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/cron"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/metrics"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store/memory"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/testutil"
)

// flakyEnqueuer fails the first failFirst calls, then delegates.
type flakyEnqueuer struct {
	next      queue.Enqueuer
	mu        sync.Mutex
	failFirst int
	calls     int
}

func (e *flakyEnqueuer) Enqueue(ctx context.Context, job domain.Job) (uuid.UUID, bool, error) {
	e.mu.Lock()
	e.calls++
	fail := e.calls <= e.failFirst
	e.mu.Unlock()
	if fail {
		return uuid.Nil, false, errors.New("broker unavailable")
	}
	return e.next.Enqueue(ctx, job)
}

type dueFailing struct {
	*memory.Store
}

func (s dueFailing) DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	return nil, errors.New("connection refused")
}

type errSink struct {
	metrics.NoopSink
	mu   sync.Mutex
	errs []error
}

func (s *errSink) TickCompleted(d time.Duration, fired int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func TestTick_EnqueueErrorContinuesWithNextSchedule(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	enq := &flakyEnqueuer{next: st, failFirst: 1}
	s := New(Config{TickInterval: time.Second, MaxAttempts: 3}, st, cron.NewParser(), enq).WithClock(clock.Now)

	due := t0.Add(-time.Hour).Truncate(time.Hour)
	a := createSchedule(t, st, domain.Schedule{JobType: domain.JobTypeReport, CronExpression: "0 * * * *", NextFireAt: due})
	b := createSchedule(t, st, domain.Schedule{JobType: domain.JobTypeReport, CronExpression: "0 * * * *", NextFireAt: due})

	fired, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 2, enq.calls)

	advanced := 0
	for _, sched := range []domain.Schedule{a, b} {
		got, err := st.GetSchedule(context.Background(), sched.TenantID, sched.ID)
		require.NoError(t, err)
		if got.NextFireAt.After(t0) {
			advanced++
		}
	}
	assert.Equal(t, 1, advanced, "the schedule whose enqueue failed stays due")

	fired, err = s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, fired, "the failed schedule fires on the next tick")
}

func TestTick_DueSchedulesError(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	sink := &errSink{}
	s := New(Config{TickInterval: time.Second}, dueFailing{st}, cron.NewParser(), st).
		WithClock(clock.Now).
		WithMetrics(sink)

	fired, err := s.Tick(testutil.TestContext(t))
	assert.Zero(t, fired)
	assert.ErrorContains(t, err, "load due schedules")
	require.Len(t, sink.errs, 1)
	assert.Error(t, sink.errs[0])
}

func TestTick_NoSchedules(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	sink := &errSink{}
	s := New(Config{TickInterval: time.Second}, st, cron.NewParser(), st).
		WithClock(clock.Now).
		WithMetrics(sink)

	fired, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Equal(t, []error{nil}, sink.errs)
}

func TestTick_InvalidCronSkipsSchedule(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	s := newScheduler(t, st, st, clock)

	due := t0.Add(-time.Hour)
	broken := createSchedule(t, st, domain.Schedule{JobType: domain.JobTypeReport, CronExpression: "every hour", NextFireAt: due})
	createSchedule(t, st, domain.Schedule{JobType: domain.JobTypeReport, CronExpression: "0 * * * *", NextFireAt: due})

	fired, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	got, err := st.GetSchedule(context.Background(), broken.TenantID, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, due, got.NextFireAt, "an unparseable schedule is neither fired nor advanced")
}

func TestNew_DefaultBatchSize(t *testing.T) {
	st := memory.New(time.Minute)
	s := New(Config{TickInterval: time.Second}, st, cron.NewParser(), st)
	assert.Equal(t, 100, s.config.BatchSize)
	assert.Equal(t, 30*time.Second, New(Config{}, st, cron.NewParser(), st).lockTTL())
}

package scheduler

import (
	"context"
	"encoding/json"
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
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store/memory"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/testutil"
)

var t0 = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

type tickSink struct {
	metrics.NoopSink
	mu        sync.Mutex
	started   int
	completed []int
}

func (s *tickSink) TickStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *tickSink) TickCompleted(d time.Duration, fired int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, fired)
}

func newScheduler(t *testing.T, st Store, enq *memory.Store, clock *testutil.FakeClock) *Scheduler {
	t.Helper()
	logger, _ := testutil.Logger()
	return New(Config{TickInterval: time.Second, BatchSize: 10, MaxAttempts: 3}, st, cron.NewParser(), enq).
		WithLogger(logger).
		WithClock(clock.Now)
}

func createSchedule(t *testing.T, st *memory.Store, sched domain.Schedule) domain.Schedule {
	t.Helper()
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}
	if sched.TenantID == uuid.Nil {
		sched.TenantID = uuid.New()
	}
	sched.Enabled = true
	require.NoError(t, st.CreateSchedule(context.Background(), sched))
	return sched
}

func queued(t *testing.T, st *memory.Store) []domain.Job {
	t.Helper()
	jobs, err := st.Dequeue(context.Background(), "w1", 100)
	require.NoError(t, err)
	return jobs
}

func TestTick_CatchUpFiresOnce(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	sink := &tickSink{}
	s := newScheduler(t, st, st, clock).WithMetrics(sink)

	missed := t0.Add(-3 * time.Hour).Truncate(time.Hour)
	sched := createSchedule(t, st, domain.Schedule{
		JobType:        domain.JobTypeReport,
		CronExpression: "0 * * * *",
		NextFireAt:     missed,
	})

	fired, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	got, err := st.GetSchedule(context.Background(), sched.TenantID, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), got.NextFireAt)

	fired, err = s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	jobs := queued(t, st)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobTypeReport, jobs[0].Type)
	assert.Equal(t, IdempotencyKey(sched.ID, missed), jobs[0].IdempotencyKey)
	assert.Equal(t, 3, jobs[0].MaxAttempts)

	payload, err := domain.DecodeJobPayload(jobs[0])
	require.NoError(t, err)
	rp := payload.(*domain.ReportPayload)
	assert.Equal(t, sched.ID, rp.ScheduleID)
	assert.True(t, rp.PeriodStart.IsZero())

	assert.Equal(t, 2, sink.started)
	assert.Equal(t, []int{1, 0}, sink.completed)
}

func TestTick_NotDueIsIgnored(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	s := newScheduler(t, st, st, clock)
	createSchedule(t, st, domain.Schedule{
		JobType:        domain.JobTypeReport,
		CronExpression: "0 * * * *",
		NextFireAt:     t0.Add(time.Minute),
	})

	fired, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Empty(t, queued(t, st))
}

func TestTick_UsesScheduleTimezone(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	s := newScheduler(t, st, st, clock)
	sched := createSchedule(t, st, domain.Schedule{
		JobType:        domain.JobTypeReport,
		CronExpression: "0 9 * * *",
		Timezone:       "America/New_York",
		NextFireAt:     t0.Add(-time.Minute),
	})

	_, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)

	got, err := st.GetSchedule(context.Background(), sched.TenantID, sched.ID)
	require.NoError(t, err)
	// 09:00 EST is 14:00 UTC.
	assert.Equal(t, time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC), got.NextFireAt)
}

func TestTick_StoredPayload(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	s := newScheduler(t, st, st, clock)

	tenantID := uuid.New()
	raw, err := json.Marshal(&domain.NotifyPayload{TenantID: tenantID, Channel: "email", TemplateID: "weekly.digest"})
	require.NoError(t, err)
	createSchedule(t, st, domain.Schedule{
		TenantID:       tenantID,
		JobType:        domain.JobTypeNotify,
		CronExpression: "*/5 * * * *",
		Payload:        raw,
		NextFireAt:     t0,
	})

	fired, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	jobs := queued(t, st)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobTypeNotify, jobs[0].Type)
	assert.Equal(t, tenantID, jobs[0].TenantID)
}

func TestTick_ForeignTenantPayloadIsNotFired(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	s := newScheduler(t, st, st, clock)

	raw, err := json.Marshal(&domain.ReportPayload{TenantID: uuid.New()})
	require.NoError(t, err)
	sched := createSchedule(t, st, domain.Schedule{
		JobType:        domain.JobTypeReport,
		CronExpression: "0 * * * *",
		Payload:        raw,
		NextFireAt:     t0.Add(-time.Hour),
	})

	fired, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Empty(t, queued(t, st))

	got, err := st.GetSchedule(context.Background(), sched.TenantID, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.NextFireAt.After(t0), "broken schedules still advance")
}

func TestTick_NoDefaultPayload(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	s := newScheduler(t, st, st, clock)
	createSchedule(t, st, domain.Schedule{
		JobType:        domain.JobTypeIngest,
		CronExpression: "0 * * * *",
		NextFireAt:     t0.Add(-time.Hour),
	})

	fired, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, fired)
}

// advanceFailing fails the first AdvanceSchedule call, as if the process
// crashed between enqueue and advance.
type advanceFailing struct {
	*memory.Store
	failed bool
}

func (s *advanceFailing) AdvanceSchedule(ctx context.Context, tenantID, scheduleID uuid.UUID, from, to time.Time) error {
	if !s.failed {
		s.failed = true
		return errors.New("connection lost")
	}
	return s.Store.AdvanceSchedule(ctx, tenantID, scheduleID, from, to)
}

func TestTick_CrashBetweenEnqueueAndAdvanceDoesNotDoubleFire(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	s := newScheduler(t, &advanceFailing{Store: st}, st, clock)
	createSchedule(t, st, domain.Schedule{
		JobType:        domain.JobTypeReport,
		CronExpression: "0 * * * *",
		NextFireAt:     t0.Add(-time.Hour),
	})

	fired, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	fired, err = s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, fired, "retried fire deduplicates on the idempotency key")
	assert.Len(t, queued(t, st), 1)
}

func TestTick_ConcurrentTicksFireOnce(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	for i := 0; i < 5; i++ {
		createSchedule(t, st, domain.Schedule{
			JobType:        domain.JobTypeReport,
			CronExpression: "*/15 * * * *",
			NextFireAt:     t0.Add(-time.Duration(i) * time.Hour),
		})
	}

	var wg sync.WaitGroup
	total := make([]int, 4)
	for i := range total {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newScheduler(t, st, st, clock)
			n, err := s.Tick(context.Background())
			assert.NoError(t, err)
			total[i] = n
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, n := range total {
		sum += n
	}
	assert.Equal(t, 5, sum)
	assert.Len(t, queued(t, st), 5)
}

type fakeLocker struct {
	held     bool
	released int
}

func (l *fakeLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if l.held {
		return nil, ErrLocked
	}
	return func(context.Context) error {
		l.released++
		return nil
	}, nil
}

func TestTick_Locker(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	locker := &fakeLocker{held: true}
	s := newScheduler(t, st, st, clock).WithLocker(locker)
	createSchedule(t, st, domain.Schedule{
		JobType:        domain.JobTypeReport,
		CronExpression: "0 * * * *",
		NextFireAt:     t0.Add(-time.Hour),
	})

	fired, err := s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Empty(t, queued(t, st))

	locker.held = false
	fired, err = s.Tick(testutil.TestContext(t))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 1, locker.released)
}

func TestIdempotencyKey(t *testing.T) {
	id := testutil.MustParseUUID("11111111-1111-1111-1111-111111111111")
	a := IdempotencyKey(id, t0)
	assert.Len(t, a, 64)
	assert.Equal(t, a, IdempotencyKey(id, t0.In(time.FixedZone("X", 3600))))
	assert.NotEqual(t, a, IdempotencyKey(id, t0.Add(time.Minute)))
}

func TestRun_StopsOnCancel(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	s := New(Config{TickInterval: 5 * time.Millisecond}, st, cron.NewParser(), st).WithClock(clock.Now)
	createSchedule(t, st, domain.Schedule{
		JobType:        domain.JobTypeReport,
		CronExpression: "0 * * * *",
		NextFireAt:     t0.Add(-time.Hour),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := st.DueSchedules(context.Background(), t0, 10)
		return err == nil && len(j) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/metrics"
)

func TestBus_EmitAndReceive(t *testing.T) {
	bus := NewBus(10)
	sig := Signal{TenantID: uuid.New(), JobID: uuid.New(), Type: domain.JobTypeIngest}

	require.NoError(t, bus.Emit(context.Background(), sig))

	select {
	case got := <-bus.Channel():
		assert.Equal(t, sig, got)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for signal on channel")
	}
}

func TestBus_BufferFullDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	ctx := context.Background()

	require.NoError(t, bus.Emit(ctx, Signal{}))

	done := make(chan error, 1)
	go func() { done <- bus.Emit(ctx, Signal{}) }()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrBufferFull))
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
}

func TestBus_CancelledContext(t *testing.T) {
	bus := NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, bus.Emit(ctx, Signal{}), context.Canceled)
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	keys map[string]uuid.UUID
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job domain.Job) (uuid.UUID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[string]uuid.UUID)
	}
	if id, ok := f.keys[job.IdempotencyKey]; ok {
		return id, false, nil
	}
	f.keys[job.IdempotencyKey] = job.ID
	return job.ID, true, nil
}

type countingSink struct {
	metrics.NoopSink
	dropped int
}

func (c *countingSink) WakeupDropped() { c.dropped++ }

func TestSignalingEnqueuer_SignalsOnlyNewJobs(t *testing.T) {
	bus := NewBus(1)
	sink := &countingSink{}
	enq := NewSignalingEnqueuer(&fakeEnqueuer{}, bus).WithMetrics(sink)
	ctx := context.Background()
	tenant := uuid.New()

	job := domain.NewRawJob(tenant, domain.JobTypeIngest, []byte(`{}`), "doc:1:ingest", 0, time.Now())
	id, created, err := enq.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)

	dup := domain.NewRawJob(tenant, domain.JobTypeIngest, []byte(`{}`), "doc:1:ingest", 0, time.Now())
	dupID, created, err := enq.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, dupID)

	sig := <-bus.Channel()
	assert.Equal(t, id, sig.JobID)
	assert.Equal(t, tenant, sig.TenantID)
	assert.Len(t, bus.Channel(), 0, "duplicate enqueue must not signal")
	assert.Equal(t, 0, sink.dropped)
}

func TestSignalingEnqueuer_CountsDroppedSignals(t *testing.T) {
	bus := NewBus(1)
	sink := &countingSink{}
	enq := NewSignalingEnqueuer(&fakeEnqueuer{}, bus).WithMetrics(sink)
	ctx := context.Background()
	tenant := uuid.New()

	for _, key := range []string{"a", "b", "c"} {
		_, _, err := enq.Enqueue(ctx, domain.NewRawJob(tenant, domain.JobTypeNotify, []byte(`{}`), key, 0, time.Now()))
		require.NoError(t, err, "a dropped signal is not an enqueue failure")
	}
	assert.Equal(t, 2, sink.dropped)
}

package ingest

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
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/joberr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/ocr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store/memory"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/tenant"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/testutil"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/worker"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, ref string) (ocr.Result, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, ref string) (ocr.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call, ref)
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func goodResult() ocr.Result {
	return ocr.Result{Fields: []ocr.RawField{
		{Name: "Invoice Date", Value: "2024-02-28", Confidence: 0.98},
		{Name: "Total", Value: "$1,250.00", Confidence: 0.97},
		{Name: "Vendor", Value: "Acme Corp", Confidence: 0.95},
	}}
}

type fixture struct {
	st    *memory.Store
	clock *testutil.FakeClock
	ext   *fakeExtractor
	stage *Stage
}

func newFixture(t *testing.T, fn func(call int, ref string) (ocr.Result, error)) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(t0)
	st := memory.New(time.Minute).WithClock(clock.Now)
	ext := &fakeExtractor{fn: fn}
	logger, _ := testutil.Logger()
	stage := New(st, ext, st, Config{ConfidenceThreshold: 0.85, MaxAttempts: 5}).
		WithLogger(logger).
		WithClock(clock.Now)
	return &fixture{st: st, clock: clock, ext: ext, stage: stage}
}

func (f *fixture) upload(t *testing.T, tenantID uuid.UUID) domain.Document {
	t.Helper()
	id := uuid.New()
	doc := domain.Document{
		ID:        id,
		TenantID:  tenantID,
		SourceRef: tenant.StorageKey(tenantID, "documents", id.String()+".pdf"),
		Status:    domain.DocumentStatusUploaded,
	}
	require.NoError(t, f.st.CreateDocument(context.Background(), doc))
	return doc
}

func ingestJob(t *testing.T, doc domain.Document, maxAttempts int) (domain.Job, domain.Payload) {
	t.Helper()
	p := &domain.IngestPayload{TenantID: doc.TenantID, DocumentID: doc.ID}
	job, err := domain.NewJob(doc.TenantID, p, "doc:"+doc.ID.String()+":ingest", maxAttempts, t0)
	require.NoError(t, err)
	return job, p
}

func (f *fixture) document(t *testing.T, doc domain.Document) domain.Document {
	t.Helper()
	got, err := f.st.GetDocument(context.Background(), doc.TenantID, doc.ID)
	require.NoError(t, err)
	return got
}

func TestHandle_ExtractsAndEnqueuesReconcile(t *testing.T) {
	f := newFixture(t, func(int, string) (ocr.Result, error) { return goodResult(), nil })
	tenantID := uuid.New()
	doc := f.upload(t, tenantID)
	job, p := ingestJob(t, doc, 5)

	require.NoError(t, f.stage.Handle(testutil.TestContext(t), job, p))

	got := f.document(t, doc)
	assert.Equal(t, domain.DocumentStatusExtracted, got.Status)
	amount, ok := got.Field(domain.FieldAmount)
	require.True(t, ok)
	assert.Equal(t, "1250", amount.Value)
	currency, ok := got.Field(domain.FieldCurrency)
	require.True(t, ok)
	assert.Equal(t, "USD", currency.Value)

	jobs, err := f.st.Dequeue(context.Background(), "w1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobTypeReconcile, jobs[0].Type)
	assert.Equal(t, ReconcileKey(doc.ID), jobs[0].IdempotencyKey)
	assert.Equal(t, tenantID, jobs[0].TenantID)
}

func TestHandle_RedeliveryAfterExtractionOnlyEnqueues(t *testing.T) {
	f := newFixture(t, func(int, string) (ocr.Result, error) { return goodResult(), nil })
	doc := f.upload(t, uuid.New())
	job, p := ingestJob(t, doc, 5)
	ctx := testutil.TestContext(t)

	require.NoError(t, f.stage.Handle(ctx, job, p))
	require.NoError(t, f.stage.Handle(ctx, job, p))

	assert.Equal(t, 1, f.ext.Calls())
	jobs, err := f.st.Dequeue(ctx, "w1", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "reconcile job must be deduplicated")
}

func TestHandle_ResumesFromExtracting(t *testing.T) {
	f := newFixture(t, func(int, string) (ocr.Result, error) { return goodResult(), nil })
	doc := f.upload(t, uuid.New())
	ctx := testutil.TestContext(t)
	require.NoError(t, f.st.TransitionDocument(ctx, doc.TenantID, doc.ID, domain.DocumentTransition{
		From: domain.DocumentStatusUploaded, To: domain.DocumentStatusExtracting,
	}))
	job, p := ingestJob(t, doc, 5)

	require.NoError(t, f.stage.Handle(ctx, job, p))
	assert.Equal(t, domain.DocumentStatusExtracted, f.document(t, doc).Status)
}

func TestHandle_LowConfidenceFailsDocument(t *testing.T) {
	f := newFixture(t, func(int, string) (ocr.Result, error) {
		r := goodResult()
		r.Fields[1].Confidence = 0.4
		return r, nil
	})
	doc := f.upload(t, uuid.New())
	job, p := ingestJob(t, doc, 5)

	err := f.stage.Handle(testutil.TestContext(t), job, p)
	require.Error(t, err)
	assert.True(t, joberr.IsPermanent(err))
	assert.ErrorIs(t, err, ErrLowConfidence)

	got := f.document(t, doc)
	assert.Equal(t, domain.DocumentStatusFailed, got.Status)
	assert.Equal(t, domain.FailureLowConfidence, got.FailureReason)
	assert.NotEmpty(t, got.Fields, "low confidence fields are kept for review")
}

func TestHandle_MissingRequiredFieldStillExtracts(t *testing.T) {
	f := newFixture(t, func(int, string) (ocr.Result, error) {
		r := goodResult()
		r.Fields = r.Fields[:2]
		return r, nil
	})
	doc := f.upload(t, uuid.New())
	job, p := ingestJob(t, doc, 5)
	ctx := testutil.TestContext(t)

	require.NoError(t, f.stage.Handle(ctx, job, p))

	got := f.document(t, doc)
	assert.Equal(t, domain.DocumentStatusExtracted, got.Status)
	_, ok := got.Field(domain.FieldCounterparty)
	assert.False(t, ok)

	jobs, err := f.st.Dequeue(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobTypeReconcile, jobs[0].Type, "matching reports the gap as unmatched")
}

func TestHandle_UnreadableFailsDocument(t *testing.T) {
	f := newFixture(t, func(int, string) (ocr.Result, error) {
		return ocr.Result{}, &ocr.Error{StatusCode: 422, Err: ocr.ErrUnreadable}
	})
	doc := f.upload(t, uuid.New())
	job, p := ingestJob(t, doc, 5)

	err := f.stage.Handle(testutil.TestContext(t), job, p)
	require.Error(t, err)
	assert.True(t, joberr.IsPermanent(err))

	got := f.document(t, doc)
	assert.Equal(t, domain.DocumentStatusFailed, got.Status)
	assert.Equal(t, domain.FailureUnreadable, got.FailureReason)
}

func TestHandle_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"rate limited", &ocr.Error{Retryable: true, StatusCode: 429, Err: errors.New("slow down")}, false},
		{"deadline", context.DeadlineExceeded, false},
		{"bad request", &ocr.Error{StatusCode: 400, Err: errors.New("bad")}, true},
		{"not configured", &ocr.Error{Err: ocr.ErrNotConfigured}, true},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(int, string) (ocr.Result, error) { return ocr.Result{}, tt.err })
			doc := f.upload(t, uuid.New())
			job, p := ingestJob(t, doc, 5)

			err := f.stage.Handle(testutil.TestContext(t), job, p)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, joberr.IsPermanent(err))
			assert.Equal(t, !tt.permanent, joberr.IsTransient(err))
			assert.Equal(t, domain.DocumentStatusExtracting, f.document(t, doc).Status)
		})
	}
}

func TestHandle_ForeignStorageKeyWritesNothing(t *testing.T) {
	f := newFixture(t, func(int, string) (ocr.Result, error) { return goodResult(), nil })
	tenantID := uuid.New()
	doc := domain.Document{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SourceRef: tenant.StorageKey(uuid.New(), "documents", "stolen.pdf"),
		Status:    domain.DocumentStatusUploaded,
	}
	require.NoError(t, f.st.CreateDocument(context.Background(), doc))
	job, p := ingestJob(t, doc, 5)

	err := f.stage.Handle(testutil.TestContext(t), job, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, tenant.ErrTenantMismatch)
	assert.True(t, joberr.IsPermanent(err))
	assert.Equal(t, 0, f.ext.Calls())
	assert.Equal(t, domain.DocumentStatusUploaded, f.document(t, doc).Status)
}

func TestHandle_OtherTenantsDocumentIsNotFound(t *testing.T) {
	f := newFixture(t, func(int, string) (ocr.Result, error) { return goodResult(), nil })
	doc := f.upload(t, uuid.New())

	intruder := uuid.New()
	p := &domain.IngestPayload{TenantID: intruder, DocumentID: doc.ID}
	job, err := domain.NewJob(intruder, p, "", 5, t0)
	require.NoError(t, err)

	err = f.stage.Handle(testutil.TestContext(t), job, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.True(t, joberr.IsPermanent(err))
	assert.Equal(t, domain.DocumentStatusUploaded, f.document(t, doc).Status)
}

func TestHandle_FailedDocumentIsNoop(t *testing.T) {
	f := newFixture(t, func(int, string) (ocr.Result, error) { return goodResult(), nil })
	doc := f.upload(t, uuid.New())
	ctx := testutil.TestContext(t)
	require.NoError(t, f.st.TransitionDocument(ctx, doc.TenantID, doc.ID, domain.DocumentTransition{
		From: domain.DocumentStatusUploaded, To: domain.DocumentStatusFailed, FailureReason: domain.FailureUnreadable,
	}))
	job, p := ingestJob(t, doc, 5)

	require.NoError(t, f.stage.Handle(ctx, job, p))
	assert.Equal(t, 0, f.ext.Calls())
}

func newEngine(t *testing.T, f *fixture) *worker.Engine {
	t.Helper()
	cfg := worker.Config{
		WorkerID:     "w1",
		Concurrency:  1,
		BatchSize:    1,
		PollInterval: 10 * time.Millisecond,
		JobTimeout:   time.Second,
		DrainTimeout: time.Second,
		Backoff:      worker.Backoff{Base: 2 * time.Second, Max: time.Minute},
	}
	logger, _ := testutil.Logger()
	return worker.New(f.st, cfg).
		WithLogger(logger).
		WithRand(func() float64 { return 0.5 }).
		Register(domain.JobTypeIngest, f.stage)
}

// runNext advances the clock past any backoff and processes one job.
func runNext(t *testing.T, e *worker.Engine, f *fixture) {
	t.Helper()
	f.clock.Advance(time.Minute)
	ctx := testutil.TestContext(t)
	jobs, err := f.st.Dequeue(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	_ = e.Process(ctx, jobs[0])
}

func TestEngine_OCRTimesOutTwiceThenSucceeds(t *testing.T) {
	f := newFixture(t, func(call int, _ string) (ocr.Result, error) {
		if call <= 2 {
			return ocr.Result{}, &ocr.Error{Retryable: true, Err: context.DeadlineExceeded}
		}
		return goodResult(), nil
	})
	e := newEngine(t, f)
	doc := f.upload(t, uuid.New())
	job, _ := ingestJob(t, doc, 5)
	_, _, err := f.st.Enqueue(context.Background(), job)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		runNext(t, e, f)
	}

	got, err := f.st.Get(context.Background(), job.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, domain.DocumentStatusExtracted, f.document(t, doc).Status)
}

func TestEngine_ExhaustedMarksDocumentFailed(t *testing.T) {
	f := newFixture(t, func(int, string) (ocr.Result, error) {
		return ocr.Result{}, &ocr.Error{Retryable: true, StatusCode: 503, Err: errors.New("unavailable")}
	})
	e := newEngine(t, f)
	doc := f.upload(t, uuid.New())
	job, _ := ingestJob(t, doc, 2)
	_, _, err := f.st.Enqueue(context.Background(), job)
	require.NoError(t, err)

	runNext(t, e, f)
	runNext(t, e, f)

	got, err := f.st.Get(context.Background(), job.TenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDeadLettered, got.Status)

	d := f.document(t, doc)
	assert.Equal(t, domain.DocumentStatusFailed, d.Status)
	assert.Equal(t, domain.FailureRetriesExhausted, d.FailureReason)
}

func TestDeadLettered_TenantMismatchWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.upload(t, uuid.New())
	job, p := ingestJob(t, doc, 5)

	cause := joberr.Permanent(tenant.ErrTenantMismatch)
	require.NoError(t, f.stage.DeadLettered(testutil.TestContext(t), job, p, cause))
	assert.Equal(t, domain.DocumentStatusUploaded, f.document(t, doc).Status)
}

func TestDeadLettered_PermanentCauseRejects(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.upload(t, uuid.New())
	job, p := ingestJob(t, doc, 5)

	cause := joberr.Permanent(errors.New("provider refused"))
	require.NoError(t, f.stage.DeadLettered(testutil.TestContext(t), job, p, cause))
	got := f.document(t, doc)
	assert.Equal(t, domain.DocumentStatusFailed, got.Status)
	assert.Equal(t, domain.FailureRejected, got.FailureReason)
}

package notify

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
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store/memory"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/tenant"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/testutil"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
	wait bool
}

func (s *recordingSender) Send(ctx context.Context, msg Message) error {
	if s.wait {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func setup(t *testing.T) (*memory.Store, *recordingSender, *Stage) {
	t.Helper()
	st := memory.New(time.Minute)
	sender := &recordingSender{}
	logger, _ := testutil.Logger()
	return st, sender, New(st, sender, 50*time.Millisecond).WithLogger(logger)
}

func createDoc(t *testing.T, st *memory.Store, tenantID uuid.UUID) domain.Document {
	t.Helper()
	doc := domain.Document{ID: uuid.New(), TenantID: tenantID, Status: domain.DocumentStatusExtracted}
	require.NoError(t, st.CreateDocument(context.Background(), doc))
	return doc
}

func notifyJob(t *testing.T, p *domain.NotifyPayload) domain.Job {
	t.Helper()
	job, err := domain.NewJob(p.TenantID, p, "", 5, time.Now())
	require.NoError(t, err)
	return job
}

func TestStage_SendsForDocumentAndMatch(t *testing.T) {
	st, sender, stage := setup(t)
	tenantID := uuid.New()
	doc := createDoc(t, st, tenantID)
	m := domain.Match{ID: uuid.New(), TenantID: tenantID, DocumentID: doc.ID, JobID: uuid.New(), Status: domain.MatchStatusUnmatched}
	require.NoError(t, st.InsertMatch(context.Background(), m))

	p := &domain.NotifyPayload{TenantID: tenantID, MatchID: m.ID, Channel: "email", TemplateID: "reconcile.unmatched"}
	job := notifyJob(t, p)
	require.NoError(t, stage.Handle(testutil.TestContext(t), job, p))

	require.Len(t, sender.sent, 1)
	got := sender.sent[0]
	assert.Equal(t, job.ID, got.ID)
	require.NotNil(t, got.DocumentID)
	assert.Equal(t, doc.ID, *got.DocumentID)
	require.NotNil(t, got.MatchID)
	assert.Equal(t, m.ID, *got.MatchID)
}

func TestStage_CancelledDocumentIsDropped(t *testing.T) {
	st, sender, stage := setup(t)
	tenantID := uuid.New()
	doc := createDoc(t, st, tenantID)
	require.NoError(t, st.CancelDocument(context.Background(), tenantID, doc.ID))

	p := &domain.NotifyPayload{TenantID: tenantID, DocumentID: doc.ID, Channel: "inapp", TemplateID: "t"}
	require.NoError(t, stage.Handle(testutil.TestContext(t), notifyJob(t, p), p))
	assert.Empty(t, sender.sent)
}

func TestStage_ForeignDocumentIsPermanent(t *testing.T) {
	st, sender, stage := setup(t)
	doc := createDoc(t, st, uuid.New())

	intruder := uuid.New()
	p := &domain.NotifyPayload{TenantID: intruder, DocumentID: doc.ID, Channel: "inapp", TemplateID: "t"}
	err := stage.Handle(testutil.TestContext(t), notifyJob(t, p), p)
	require.Error(t, err)
	assert.True(t, joberr.IsPermanent(err))
	assert.Empty(t, sender.sent)
}

func TestStage_PayloadTenantMismatch(t *testing.T) {
	_, sender, stage := setup(t)
	p := &domain.NotifyPayload{TenantID: uuid.New(), Channel: "inapp", TemplateID: "t"}
	job := notifyJob(t, p)
	job.TenantID = uuid.New()

	err := stage.Handle(testutil.TestContext(t), job, p)
	assert.ErrorIs(t, err, tenant.ErrTenantMismatch)
	assert.Empty(t, sender.sent)
}

func TestStage_TransportErrorsAreTransient(t *testing.T) {
	_, sender, stage := setup(t)
	sender.err = errors.New("connection reset")
	p := &domain.NotifyPayload{TenantID: uuid.New(), Channel: "inapp", TemplateID: "t"}

	err := stage.Handle(testutil.TestContext(t), notifyJob(t, p), p)
	require.Error(t, err)
	assert.True(t, joberr.IsTransient(err))
}

func TestStage_SendTimeoutIsTransient(t *testing.T) {
	_, sender, stage := setup(t)
	sender.wait = true
	p := &domain.NotifyPayload{TenantID: uuid.New(), Channel: "inapp", TemplateID: "t"}

	err := stage.Handle(testutil.TestContext(t), notifyJob(t, p), p)
	require.Error(t, err)
	assert.True(t, joberr.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

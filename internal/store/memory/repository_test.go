package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
)

func TestTransitionDocument_ForwardOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(time.Minute)
	tenant := uuid.New()
	doc := domain.Document{ID: uuid.New(), TenantID: tenant, Status: domain.DocumentStatusUploaded}
	require.NoError(t, s.CreateDocument(ctx, doc))

	require.NoError(t, s.TransitionDocument(ctx, tenant, doc.ID, domain.DocumentTransition{
		From: domain.DocumentStatusUploaded, To: domain.DocumentStatusExtracting,
	}))

	// Redelivered job still thinks the document is uploaded.
	err := s.TransitionDocument(ctx, tenant, doc.ID, domain.DocumentTransition{
		From: domain.DocumentStatusUploaded, To: domain.DocumentStatusExtracting,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	fields := []domain.ExtractedField{{Name: domain.FieldAmount, Value: "120.00", Confidence: 0.9}}
	require.NoError(t, s.TransitionDocument(ctx, tenant, doc.ID, domain.DocumentTransition{
		From: domain.DocumentStatusExtracting, To: domain.DocumentStatusExtracted, Fields: fields,
	}))

	err = s.TransitionDocument(ctx, tenant, doc.ID, domain.DocumentTransition{
		From: domain.DocumentStatusExtracted, To: domain.DocumentStatusFailed,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetDocument(ctx, tenant, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusExtracted, got.Status)
	assert.Equal(t, fields, got.Fields)

	_, err = s.GetDocument(ctx, uuid.New(), doc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelDocument_KeepsFirstTimestamp(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(time.Minute)
	tenant := uuid.New()
	doc := domain.Document{ID: uuid.New(), TenantID: tenant, Status: domain.DocumentStatusExtracted}
	require.NoError(t, s.CreateDocument(ctx, doc))

	require.NoError(t, s.CancelDocument(ctx, tenant, doc.ID))
	clock.Advance(time.Hour)
	require.NoError(t, s.CancelDocument(ctx, tenant, doc.ID))

	got, err := s.GetDocument(ctx, tenant, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CancelledAt)
	assert.Equal(t, t0, *got.CancelledAt)
	assert.Equal(t, domain.DocumentStatusExtracted, got.Status)
}

func TestMatches_SupersedeChain(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(time.Minute)
	tenant, docID := uuid.New(), uuid.New()

	first := domain.Match{ID: uuid.New(), TenantID: tenant, DocumentID: docID, JobID: uuid.New(), Status: domain.MatchStatusUnmatched}
	require.NoError(t, s.InsertMatch(ctx, first))

	dup := first
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.InsertMatch(ctx, dup), store.ErrDuplicate, "one match per job")

	orphan := domain.Match{ID: uuid.New(), TenantID: tenant, DocumentID: docID, JobID: uuid.New()}
	assert.ErrorIs(t, s.InsertMatch(ctx, orphan), store.ErrConflict, "re-run must supersede")

	second := domain.Match{ID: uuid.New(), TenantID: tenant, DocumentID: docID, JobID: uuid.New(), Status: domain.MatchStatusMatched, SupersedesID: &first.ID}
	require.NoError(t, s.InsertMatch(ctx, second))

	fork := domain.Match{ID: uuid.New(), TenantID: tenant, DocumentID: docID, JobID: uuid.New(), SupersedesID: &first.ID}
	assert.ErrorIs(t, s.InsertMatch(ctx, fork), store.ErrConflict)

	latest, err := s.LatestMatch(ctx, tenant, docID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	byJob, err := s.GetMatchByJob(ctx, tenant, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byJob.ID)
}

func TestListUnmatchedLedgerEntries(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(time.Minute)
	tenant, docA, docB := uuid.New(), uuid.New(), uuid.New()
	day := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)

	open := domain.LedgerEntry{ID: uuid.New(), TenantID: tenant, Amount: decimal.RequireFromString("120.00"), Currency: "GBP", Date: day}
	settled := domain.LedgerEntry{ID: uuid.New(), TenantID: tenant, Amount: decimal.RequireFromString("10"), Currency: "GBP", Date: day, Matched: true}
	held := domain.LedgerEntry{ID: uuid.New(), TenantID: tenant, Amount: decimal.RequireFromString("30"), Currency: "GBP", Date: day}
	late := domain.LedgerEntry{ID: uuid.New(), TenantID: tenant, Amount: decimal.RequireFromString("40"), Currency: "GBP", Date: day.AddDate(0, 1, 0)}
	foreign := domain.LedgerEntry{ID: uuid.New(), TenantID: uuid.New(), Amount: decimal.RequireFromString("120.00"), Currency: "GBP", Date: day}
	for _, e := range []domain.LedgerEntry{open, settled, held, late, foreign} {
		require.NoError(t, s.PutLedgerEntry(ctx, e))
	}
	require.NoError(t, s.InsertMatch(ctx, domain.Match{
		ID: uuid.New(), TenantID: tenant, DocumentID: docB, JobID: uuid.New(),
		LedgerEntryID: &held.ID, Status: domain.MatchStatusMatched, ConfidenceScore: 1,
	}))

	got, err := s.ListUnmatchedLedgerEntries(ctx, tenant, docA, day.AddDate(0, 0, -7), day.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)

	// The document holding the entry still sees it on a re-run.
	got, err = s.ListUnmatchedLedgerEntries(ctx, tenant, docB, day.AddDate(0, 0, -7), day.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSchedules_DueAndAdvance(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(time.Minute)
	tenant := uuid.New()

	due := domain.Schedule{ID: uuid.New(), TenantID: tenant, JobType: domain.JobTypeReport, CronExpression: "0 * * * *", Enabled: true, NextFireAt: t0.Add(-3 * time.Hour)}
	future := domain.Schedule{ID: uuid.New(), TenantID: tenant, JobType: domain.JobTypeReport, CronExpression: "0 * * * *", Enabled: true, NextFireAt: t0.Add(time.Hour)}
	disabled := domain.Schedule{ID: uuid.New(), TenantID: tenant, JobType: domain.JobTypeReport, CronExpression: "0 * * * *", NextFireAt: t0.Add(-time.Hour)}
	for _, sc := range []domain.Schedule{due, future, disabled} {
		require.NoError(t, s.CreateSchedule(ctx, sc))
	}

	got, err := s.DueSchedules(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	require.NoError(t, s.AdvanceSchedule(ctx, tenant, due.ID, due.NextFireAt, t0.Add(time.Hour)))
	assert.ErrorIs(t, s.AdvanceSchedule(ctx, tenant, due.ID, due.NextFireAt, t0.Add(2*time.Hour)), store.ErrConflict)

	got, err = s.DueSchedules(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInsertMatch_LedgerEntryHeldByOneDocument(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(time.Minute)
	tenant, docA, docB := uuid.New(), uuid.New(), uuid.New()
	entry := uuid.New()

	first := domain.Match{
		ID: uuid.New(), TenantID: tenant, DocumentID: docA, JobID: uuid.New(),
		LedgerEntryID: &entry, Status: domain.MatchStatusMatched, ConfidenceScore: 1,
	}
	require.NoError(t, s.InsertMatch(ctx, first))

	claim := domain.Match{
		ID: uuid.New(), TenantID: tenant, DocumentID: docB, JobID: uuid.New(),
		LedgerEntryID: &entry, Status: domain.MatchStatusMatched, ConfidenceScore: 1,
	}
	assert.ErrorIs(t, s.InsertMatch(ctx, claim), store.ErrConflict)

	// An ambiguous result naming the entry does not hold it.
	ambiguous := domain.Match{
		ID: uuid.New(), TenantID: tenant, DocumentID: docB, JobID: uuid.New(),
		LedgerEntryID: &entry, Status: domain.MatchStatusAmbiguous, ConfidenceScore: 0.7,
	}
	require.NoError(t, s.InsertMatch(ctx, ambiguous))

	// Re-running docA to unmatched releases the entry.
	rerun := domain.Match{
		ID: uuid.New(), TenantID: tenant, DocumentID: docA, JobID: uuid.New(),
		Status: domain.MatchStatusUnmatched, SupersedesID: &first.ID,
	}
	require.NoError(t, s.InsertMatch(ctx, rerun))

	claim.SupersedesID = &ambiguous.ID
	require.NoError(t, s.InsertMatch(ctx, claim))
}

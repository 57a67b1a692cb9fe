// Package ingest is the document ingestion stage: it runs OCR on an uploaded
// document, normalizes the result and hands the document to reconciliation.
//
// Every step is conditional on the document's current status, so a
// redelivered job resumes where the previous attempt stopped.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/joberr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/ocr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/tenant"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrLowConfidence    = errors.New("required field below confidence threshold")
)

type Repository interface {
	GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (domain.Document, error)
	TransitionDocument(ctx context.Context, tenantID, documentID uuid.UUID, tr domain.DocumentTransition) error
}

type Config struct {
	// ConfidenceThreshold is the minimum confidence for required fields.
	ConfidenceThreshold float64
	// MaxAttempts is given to the reconciliation jobs this stage enqueues.
	MaxAttempts int
}

type Stage struct {
	repo      Repository
	extractor ocr.Extractor
	enqueuer  queue.Enqueuer
	cfg       Config
	logger    logrus.FieldLogger
	clock     func() time.Time
}

func New(repo Repository, extractor ocr.Extractor, enqueuer queue.Enqueuer, cfg Config) *Stage {
	return &Stage{
		repo:      repo,
		extractor: extractor,
		enqueuer:  enqueuer,
		cfg:       cfg,
		logger:    logging.Component(logging.Discard(), "ingest"),
		clock:     time.Now,
	}
}

func (s *Stage) WithLogger(logger logrus.FieldLogger) *Stage {
	s.logger = logging.Component(logger, "ingest")
	return s
}

func (s *Stage) WithClock(clock func() time.Time) *Stage {
	s.clock = clock
	return s
}

// IngestKey is the idempotency key of the ingestion job for a document.
func IngestKey(documentID uuid.UUID) string {
	return fmt.Sprintf("doc:%s:ingest", documentID)
}

// ReconcileKey is the idempotency key of the reconciliation job for a document.
func ReconcileKey(documentID uuid.UUID) string {
	return fmt.Sprintf("doc:%s:reconcile", documentID)
}

func (s *Stage) Handle(ctx context.Context, job domain.Job, payload domain.Payload) error {
	p, ok := payload.(*domain.IngestPayload)
	if !ok {
		return joberr.Permanentf("ingest: unexpected payload %T", payload)
	}
	if err := tenant.Check(job, p); err != nil {
		return err
	}
	log := s.logger.WithFields(logrus.Fields{"tenant_id": job.TenantID, "job_id": job.ID, "document_id": p.DocumentID})

	doc, err := s.load(ctx, job, p)
	if err != nil {
		return err
	}

	switch doc.Status {
	case domain.DocumentStatusFailed:
		log.WithField("failure_reason", doc.FailureReason).Info("document already failed, nothing to do")
		return nil
	case domain.DocumentStatusExtracted:
		return s.enqueueReconcile(ctx, job, doc)
	}

	if err := tenant.CheckStorageKey(job, doc.SourceRef); err != nil {
		return err
	}

	if doc.Status == domain.DocumentStatusUploaded {
		err := s.repo.TransitionDocument(ctx, job.TenantID, doc.ID, domain.DocumentTransition{
			From: domain.DocumentStatusUploaded,
			To:   domain.DocumentStatusExtracting,
		})
		if err != nil {
			// Another delivery moved it first; the next attempt sees the new status.
			return joberr.Transient(fmt.Errorf("mark extracting: %w", err))
		}
	} else {
		log.Info("resuming extraction")
	}

	res, err := s.extractor.Extract(ctx, doc.SourceRef)
	if err != nil {
		return s.extractFailed(ctx, job, doc, err)
	}

	fields := Normalize(res.Fields)
	if name, low := LowConfidenceField(fields, s.cfg.ConfidenceThreshold); low {
		log.WithField("field", name).Warn("low confidence extraction, failing document")
		if err := s.fail(ctx, job, doc, domain.FailureLowConfidence, fields); err != nil {
			return err
		}
		return joberr.Permanent(fmt.Errorf("%w: %s", ErrLowConfidence, name))
	}

	err = s.repo.TransitionDocument(ctx, job.TenantID, doc.ID, domain.DocumentTransition{
		From:   domain.DocumentStatusExtracting,
		To:     domain.DocumentStatusExtracted,
		Fields: fields,
	})
	if err != nil {
		return joberr.Transient(fmt.Errorf("mark extracted: %w", err))
	}
	log.WithField("fields", len(fields)).Info("document extracted")

	return s.enqueueReconcile(ctx, job, doc)
}

func (s *Stage) load(ctx context.Context, job domain.Job, p *domain.IngestPayload) (domain.Document, error) {
	doc, err := s.repo.GetDocument(ctx, job.TenantID, p.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Document{}, joberr.Permanent(fmt.Errorf("%w: %s", ErrDocumentNotFound, p.DocumentID))
	}
	if err != nil {
		return domain.Document{}, joberr.Transient(fmt.Errorf("load document: %w", err))
	}
	if err := tenant.CheckOwned(job, doc); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

func (s *Stage) extractFailed(ctx context.Context, job domain.Job, doc domain.Document, err error) error {
	switch {
	case errors.Is(err, ocr.ErrUnreadable):
		if ferr := s.fail(ctx, job, doc, domain.FailureUnreadable, nil); ferr != nil {
			return ferr
		}
		return joberr.Permanent(err)
	case ocr.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return joberr.Transient(err)
	}
	var oe *ocr.Error
	if errors.As(err, &oe) {
		return joberr.Permanent(err)
	}
	// Unknown extractor errors get the retry budget.
	return joberr.Transient(err)
}

func (s *Stage) fail(ctx context.Context, job domain.Job, doc domain.Document, reason string, fields []domain.ExtractedField) error {
	err := s.repo.TransitionDocument(ctx, job.TenantID, doc.ID, domain.DocumentTransition{
		From:          domain.DocumentStatusExtracting,
		To:            domain.DocumentStatusFailed,
		Fields:        fields,
		FailureReason: reason,
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return joberr.Transient(fmt.Errorf("mark failed: %w", err))
	}
	return nil
}

func (s *Stage) enqueueReconcile(ctx context.Context, job domain.Job, doc domain.Document) error {
	next, err := domain.NewJob(job.TenantID, &domain.ReconcilePayload{TenantID: job.TenantID, DocumentID: doc.ID},
		ReconcileKey(doc.ID), s.cfg.MaxAttempts, s.clock())
	if err != nil {
		return joberr.Permanent(err)
	}
	id, created, err := s.enqueuer.Enqueue(ctx, next)
	if err != nil {
		return joberr.Transient(fmt.Errorf("enqueue reconcile: %w", err))
	}
	s.logger.WithFields(logrus.Fields{
		"tenant_id":    job.TenantID,
		"document_id":  doc.ID,
		"reconcile_id": id,
		"created":      created,
	}).Debug("reconciliation enqueued")
	return nil
}

// DeadLettered marks the document failed once its ingest job is dead-lettered,
// unless it already reached a terminal status. Tenant violations write nothing.
func (s *Stage) DeadLettered(ctx context.Context, job domain.Job, payload domain.Payload, cause error) error {
	p, ok := payload.(*domain.IngestPayload)
	if !ok || errors.Is(cause, tenant.ErrTenantMismatch) || tenant.Check(job, p) != nil {
		return nil
	}
	doc, err := s.repo.GetDocument(ctx, job.TenantID, p.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status.IsTerminal() || doc.OwnerTenant() != job.TenantID {
		return nil
	}

	reason := domain.FailureRejected
	if joberr.IsExhausted(cause) {
		reason = domain.FailureRetriesExhausted
	}
	err = s.repo.TransitionDocument(ctx, job.TenantID, doc.ID, domain.DocumentTransition{
		From:          doc.Status,
		To:            domain.DocumentStatusFailed,
		FailureReason: reason,
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("mark failed: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"tenant_id":      job.TenantID,
		"document_id":    doc.ID,
		"failure_reason": reason,
	}).Warn("ingest dead-lettered, document failed")
	return nil
}

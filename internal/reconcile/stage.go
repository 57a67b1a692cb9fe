package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/joberr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/metrics"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/tenant"
)

var ErrNotExtracted = errors.New("document is not extracted")

type Repository interface {
	GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (domain.Document, error)
	ListUnmatchedLedgerEntries(ctx context.Context, tenantID, documentID uuid.UUID, from, to time.Time) ([]domain.LedgerEntry, error)
	GetMatchByJob(ctx context.Context, tenantID, jobID uuid.UUID) (domain.Match, error)
	LatestMatch(ctx context.Context, tenantID, documentID uuid.UUID) (domain.Match, error)
	InsertMatch(ctx context.Context, m domain.Match) error
}

// Notification settings for results that need a human.
const (
	NotifyTemplateAmbiguous = "reconcile.ambiguous"
	NotifyTemplateUnmatched = "reconcile.unmatched"
)

type Stage struct {
	repo          Repository
	enqueuer      queue.Enqueuer
	cfg           Config
	notifyChannel string
	maxAttempts   int
	logger        logrus.FieldLogger
	metrics       metrics.Sink
	clock         func() time.Time
}

func New(repo Repository, enqueuer queue.Enqueuer, cfg Config) *Stage {
	return &Stage{
		repo:          repo,
		enqueuer:      enqueuer,
		cfg:           cfg,
		notifyChannel: "inapp",
		maxAttempts:   domain.DefaultMaxAttempts,
		logger:        logging.Component(logging.Discard(), "reconcile"),
		metrics:       metrics.NewNoopSink(),
		clock:         time.Now,
	}
}

func (s *Stage) WithLogger(logger logrus.FieldLogger) *Stage {
	s.logger = logging.Component(logger, "reconcile")
	return s
}

func (s *Stage) WithMetrics(sink metrics.Sink) *Stage {
	s.metrics = sink
	return s
}

func (s *Stage) WithClock(clock func() time.Time) *Stage {
	s.clock = clock
	return s
}

// WithNotify sets the channel and retry budget of the notification jobs
// enqueued for ambiguous and unmatched results.
func (s *Stage) WithNotify(channel string, maxAttempts int) *Stage {
	s.notifyChannel = channel
	s.maxAttempts = maxAttempts
	return s
}

// NotifyKey is the idempotency key of the notification job for a match.
func NotifyKey(matchID uuid.UUID) string {
	return fmt.Sprintf("match:%s:notify", matchID)
}

func (s *Stage) Handle(ctx context.Context, job domain.Job, payload domain.Payload) error {
	p, ok := payload.(*domain.ReconcilePayload)
	if !ok {
		return joberr.Permanentf("reconcile: unexpected payload %T", payload)
	}
	if err := tenant.Check(job, p); err != nil {
		return err
	}
	log := s.logger.WithFields(logrus.Fields{"tenant_id": job.TenantID, "job_id": job.ID, "document_id": p.DocumentID})

	doc, err := s.loadDocument(ctx, job, p.DocumentID)
	if err != nil {
		return err
	}
	if doc.Cancelled() {
		log.Info("document cancelled, skipping reconciliation")
		return nil
	}
	if doc.Status != domain.DocumentStatusExtracted {
		return joberr.Permanent(fmt.Errorf("%w: %s is %s", ErrNotExtracted, doc.ID, doc.Status))
	}

	// A redelivery after the insert only finishes the follow-up.
	existing, err := s.repo.GetMatchByJob(ctx, job.TenantID, job.ID)
	switch {
	case err == nil:
		log.WithField("match_id", existing.ID).Info("match already written by this job")
		return s.followUp(ctx, job, existing)
	case !errors.Is(err, store.ErrNotFound):
		return joberr.Transient(fmt.Errorf("load match: %w", err))
	}

	result := Result{Status: domain.MatchStatusUnmatched}
	if facts, ok := ParseFacts(doc); ok {
		from, to := s.cfg.Window(facts.Date)
		entries, err := s.repo.ListUnmatchedLedgerEntries(ctx, job.TenantID, doc.ID, from, to)
		if err != nil {
			return joberr.Transient(fmt.Errorf("list ledger entries: %w", err))
		}
		for _, e := range entries {
			if err := tenant.CheckOwned(job, e); err != nil {
				return err
			}
		}
		result = Match(s.cfg, facts, entries)
	} else {
		log.Info("document lacks amount, currency or date, reporting unmatched")
	}

	// The document may have been cancelled while matching ran.
	doc, err = s.loadDocument(ctx, job, p.DocumentID)
	if err != nil {
		return err
	}
	if doc.Cancelled() {
		log.Info("document cancelled during reconciliation, discarding result")
		return nil
	}

	m := domain.Match{
		ID:              uuid.New(),
		TenantID:        job.TenantID,
		DocumentID:      doc.ID,
		JobID:           job.ID,
		LedgerEntryID:   result.EntryID,
		ConfidenceScore: result.Score,
		Status:          result.Status,
		CreatedAt:       s.clock().UTC(),
	}
	prev, err := s.repo.LatestMatch(ctx, job.TenantID, doc.ID)
	switch {
	case err == nil:
		m.SupersedesID = &prev.ID
	case !errors.Is(err, store.ErrNotFound):
		return joberr.Transient(fmt.Errorf("load latest match: %w", err))
	}

	if err := s.repo.InsertMatch(ctx, m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return joberr.Transient(fmt.Errorf("match for job %s written concurrently: %w", job.ID, err))
		}
		// ErrConflict means another run superseded prev first; retry against the new latest.
		return joberr.Transient(fmt.Errorf("insert match: %w", err))
	}
	s.metrics.MatchOutcome(string(m.Status))
	log.WithFields(logrus.Fields{
		"match_id": m.ID,
		"status":   m.Status,
		"score":    m.ConfidenceScore,
	}).Info("document reconciled")

	return s.followUp(ctx, job, m)
}

func (s *Stage) loadDocument(ctx context.Context, job domain.Job, id uuid.UUID) (domain.Document, error) {
	doc, err := s.repo.GetDocument(ctx, job.TenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Document{}, joberr.Permanent(fmt.Errorf("document %s: %w", id, err))
	}
	if err != nil {
		return domain.Document{}, joberr.Transient(fmt.Errorf("load document: %w", err))
	}
	if err := tenant.CheckOwned(job, doc); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// followUp enqueues the notification for results a human has to resolve.
func (s *Stage) followUp(ctx context.Context, job domain.Job, m domain.Match) error {
	var template string
	switch m.Status {
	case domain.MatchStatusAmbiguous:
		template = NotifyTemplateAmbiguous
	case domain.MatchStatusUnmatched:
		template = NotifyTemplateUnmatched
	default:
		return nil
	}

	data := map[string]string{
		"status": string(m.Status),
		"score":  strconv.FormatFloat(m.ConfidenceScore, 'f', 2, 64),
	}
	if m.LedgerEntryID != nil {
		data["ledger_entry_id"] = m.LedgerEntryID.String()
	}
	payload := &domain.NotifyPayload{
		TenantID:   job.TenantID,
		DocumentID: m.DocumentID,
		MatchID:    m.ID,
		Channel:    s.notifyChannel,
		TemplateID: template,
		Data:       data,
	}
	next, err := domain.NewJob(job.TenantID, payload, NotifyKey(m.ID), s.maxAttempts, s.clock())
	if err != nil {
		return joberr.Permanent(err)
	}
	if _, _, err := s.enqueuer.Enqueue(ctx, next); err != nil {
		return joberr.Transient(fmt.Errorf("enqueue notify: %w", err))
	}
	return nil
}

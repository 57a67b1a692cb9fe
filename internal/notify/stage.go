package notify

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
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/tenant"
)

type Repository interface {
	GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (domain.Document, error)
	GetMatch(ctx context.Context, tenantID, matchID uuid.UUID) (domain.Match, error)
}

const DefaultTimeout = 10 * time.Second

type Stage struct {
	repo    Repository
	sender  Sender
	timeout time.Duration
	logger  logrus.FieldLogger
}

func New(repo Repository, sender Sender, timeout time.Duration) *Stage {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Stage{
		repo:    repo,
		sender:  sender,
		timeout: timeout,
		logger:  logging.Component(logging.Discard(), "notify"),
	}
}

func (s *Stage) WithLogger(logger logrus.FieldLogger) *Stage {
	s.logger = logging.Component(logger, "notify")
	return s
}

func (s *Stage) Handle(ctx context.Context, job domain.Job, payload domain.Payload) error {
	p, ok := payload.(*domain.NotifyPayload)
	if !ok {
		return joberr.Permanentf("notify: unexpected payload %T", payload)
	}
	if err := tenant.Check(job, p); err != nil {
		return err
	}
	log := s.logger.WithFields(logrus.Fields{"tenant_id": job.TenantID, "job_id": job.ID, "template_id": p.TemplateID})

	msg := Message{
		ID:         job.ID,
		TenantID:   job.TenantID,
		Channel:    p.Channel,
		TemplateID: p.TemplateID,
		Data:       p.Data,
	}

	documentID := p.DocumentID
	if p.MatchID != uuid.Nil {
		m, err := s.repo.GetMatch(ctx, job.TenantID, p.MatchID)
		if err != nil {
			return classifyLoad("match", p.MatchID, err)
		}
		if err := tenant.CheckOwned(job, m); err != nil {
			return err
		}
		if documentID == uuid.Nil {
			documentID = m.DocumentID
		} else if m.DocumentID != documentID {
			return joberr.Permanentf("match %s does not belong to document %s", m.ID, documentID)
		}
		msg.MatchID = &m.ID
	}
	if documentID != uuid.Nil {
		doc, err := s.repo.GetDocument(ctx, job.TenantID, documentID)
		if err != nil {
			return classifyLoad("document", documentID, err)
		}
		if err := tenant.CheckOwned(job, doc); err != nil {
			return err
		}
		if doc.Cancelled() {
			log.WithField("document_id", doc.ID).Info("document cancelled, notification dropped")
			return nil
		}
		msg.DocumentID = &doc.ID
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.sender.Send(sctx, msg); err != nil {
		return joberr.Transient(fmt.Errorf("send notification: %w", err))
	}
	log.WithField("channel", p.Channel).Debug("notification handed off")
	return nil
}

func classifyLoad(kind string, id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return joberr.Permanent(fmt.Errorf("%s %s: %w", kind, id, err))
	}
	return joberr.Transient(fmt.Errorf("load %s: %w", kind, err))
}

// Package report renders periodic reconciliation workbooks for a tenant.
package report

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/filestore"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/joberr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/tenant"
)

const (
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	// DefaultPeriod is reported when the payload carries no period.
	DefaultPeriod = 24 * time.Hour

	NotifyTemplate = "report.ready"

	periodLayout = "20060102T150405Z"
)

type Repository interface {
	ListMatches(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]domain.Match, error)
}

type Stage struct {
	repo          Repository
	files         filestore.Store
	enqueuer      queue.Enqueuer
	notifyChannel string
	maxAttempts   int
	logger        logrus.FieldLogger
	clock         func() time.Time
}

func New(repo Repository, files filestore.Store, enqueuer queue.Enqueuer) *Stage {
	return &Stage{
		repo:          repo,
		files:         files,
		enqueuer:      enqueuer,
		notifyChannel: "email",
		maxAttempts:   domain.DefaultMaxAttempts,
		logger:        logging.Component(logging.Discard(), "report"),
		clock:         time.Now,
	}
}

func (s *Stage) WithLogger(logger logrus.FieldLogger) *Stage {
	s.logger = logging.Component(logger, "report")
	return s
}

func (s *Stage) WithClock(clock func() time.Time) *Stage {
	s.clock = clock
	return s
}

func (s *Stage) WithNotify(channel string, maxAttempts int) *Stage {
	s.notifyChannel = channel
	s.maxAttempts = maxAttempts
	return s
}

// Period returns the reporting window of p, defaulting to the day before the job was created.
func Period(job domain.Job, p *domain.ReportPayload) (from, to time.Time) {
	if !p.PeriodStart.IsZero() && !p.PeriodEnd.IsZero() {
		return p.PeriodStart.UTC(), p.PeriodEnd.UTC()
	}
	to = job.CreatedAt.UTC()
	return to.Add(-DefaultPeriod), to
}

// ObjectKey is where the workbook for job is stored.
func ObjectKey(tenantID, jobID uuid.UUID, from, to time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.xlsx", from.UTC().Format(periodLayout), to.UTC().Format(periodLayout), jobID)
	return tenant.StorageKey(tenantID, "reports", name)
}

func (s *Stage) Handle(ctx context.Context, job domain.Job, payload domain.Payload) error {
	p, ok := payload.(*domain.ReportPayload)
	if !ok {
		return joberr.Permanentf("report: unexpected payload %T", payload)
	}
	if err := tenant.Check(job, p); err != nil {
		return err
	}
	from, to := Period(job, p)
	log := s.logger.WithFields(logrus.Fields{
		"tenant_id":    job.TenantID,
		"job_id":       job.ID,
		"period_start": from,
		"period_end":   to,
	})

	matches, err := s.repo.ListMatches(ctx, job.TenantID, from, to)
	if err != nil {
		return joberr.Transient(fmt.Errorf("list matches: %w", err))
	}
	for _, m := range matches {
		if err := tenant.CheckOwned(job, m); err != nil {
			return err
		}
	}

	data, err := Render(job.TenantID, from, to, matches)
	if err != nil {
		return joberr.Permanent(err)
	}

	key := ObjectKey(job.TenantID, job.ID, from, to)
	ref, err := s.files.Put(ctx, key, ContentType, data)
	if err != nil {
		return joberr.Transient(fmt.Errorf("store report: %w", err))
	}
	log.WithFields(logrus.Fields{"ref": ref, "matches": len(matches)}).Info("report written")

	next, err := domain.NewJob(job.TenantID, &domain.NotifyPayload{
		TenantID:   job.TenantID,
		Channel:    s.notifyChannel,
		TemplateID: NotifyTemplate,
		Data: map[string]string{
			"report_key":   key,
			"report_ref":   ref,
			"period_start": from.Format(time.RFC3339),
			"period_end":   to.Format(time.RFC3339),
			"matches":      strconv.Itoa(len(matches)),
		},
	}, fmt.Sprintf("report:%s:notify", job.ID), s.maxAttempts, s.clock())
	if err != nil {
		return joberr.Permanent(err)
	}
	if _, _, err := s.enqueuer.Enqueue(ctx, next); err != nil {
		return joberr.Transient(fmt.Errorf("enqueue notify: %w", err))
	}
	return nil
}

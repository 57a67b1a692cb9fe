// Package reaper recovers jobs whose claim expired without an ack or nack.
//
// A worker that crashes mid-job leaves its claim running until the visibility
// window elapses. The reaper returns such jobs to the queue, or dead-letters
// them as exhausted when the expired claim was their last attempt. Broker
// transitions are conditional, so overlapping sweeps are harmless.
package reaper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/joberr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/metrics"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
)

type Store interface {
	RequeueExpired(ctx context.Context, limit int) (queue.ReapResult, error)
}

// DeadLetterHook runs stage cleanup for jobs the reaper dead-lettered.
type DeadLetterHook interface {
	DeadLettered(ctx context.Context, job domain.Job, cause error)
}

type Config struct {
	// Interval is how often the reaper runs.
	// Default: 30 seconds.
	Interval time.Duration

	// BatchSize is the maximum number of expired claims handled per sweep.
	// Default: 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		BatchSize: 100,
	}
}

type Reaper struct {
	config  Config
	store   Store
	hook    DeadLetterHook
	logger  logrus.FieldLogger
	metrics metrics.Sink
}

func New(config Config, store Store, hook DeadLetterHook) *Reaper {
	return &Reaper{
		config:  config,
		store:   store,
		hook:    hook,
		logger:  logging.Component(logging.Discard(), "reaper"),
		metrics: metrics.NewNoopSink(),
	}
}

func (r *Reaper) WithLogger(logger logrus.FieldLogger) *Reaper {
	r.logger = logging.Component(logger, "reaper")
	return r
}

func (r *Reaper) WithMetrics(sink metrics.Sink) *Reaper {
	r.metrics = sink
	return r
}

// Run sweeps immediately and then every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.WithFields(logrus.Fields{
		"interval": r.config.Interval,
		"batch":    r.config.BatchSize,
	}).Info("reaper started")

	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep handles one batch of expired claims. Store errors are logged and the
// batch is retried on the next interval.
func (r *Reaper) Sweep(ctx context.Context) queue.ReapResult {
	res, err := r.store.RequeueExpired(ctx, r.config.BatchSize)
	if err != nil {
		logging.Error(r.logger, "requeue_expired", err, nil)
		return queue.ReapResult{}
	}
	if len(res.Requeued) == 0 && len(res.Exhausted) == 0 {
		return res
	}

	for _, job := range res.Requeued {
		r.logger.WithFields(logrus.Fields{
			"tenant_id": job.TenantID,
			"job_id":    job.ID,
			"job_type":  job.Type,
			"attempt":   job.Attempts,
		}).Info("expired claim requeued")
	}

	for _, job := range res.Exhausted {
		if ctx.Err() != nil {
			r.logger.WithField("remaining", len(res.Exhausted)).Warn("sweep interrupted before dead-letter hooks ran")
			break
		}
		r.logger.WithFields(logrus.Fields{
			"tenant_id": job.TenantID,
			"job_id":    job.ID,
			"job_type":  job.Type,
			"attempt":   job.Attempts,
		}).Warn("expired claim was the last attempt, dead-lettered")
		if r.hook != nil {
			r.hook.DeadLettered(ctx, job, joberr.Exhausted(job.Attempts, queue.ErrClaimExpired))
		}
	}

	r.metrics.ReaperSwept(len(res.Requeued), len(res.Exhausted))
	r.logger.WithFields(logrus.Fields{
		"requeued":  len(res.Requeued),
		"exhausted": len(res.Exhausted),
	}).Info("sweep complete")
	return res
}

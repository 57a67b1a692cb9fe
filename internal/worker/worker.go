// Package worker claims jobs from the broker and runs them through the
// registered stage handlers.
//
// The engine alone decides what happens after a failure: permanent errors
// dead-letter at once, transient errors are nacked with exponential backoff
// until the job's attempts reach MaxAttempts, after which it dead-letters as
// exhausted. Attempts are counted by the broker at claim time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/joberr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/metrics"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/transport/channel"
)

var ErrNoHandler = errors.New("no handler registered for job type")

// Handler runs one stage. payload is the decoded, validated variant for job.Type.
// Returned errors should be classified with joberr; unclassified errors are retried.
type Handler interface {
	Handle(ctx context.Context, job domain.Job, payload domain.Payload) error
}

type HandlerFunc func(ctx context.Context, job domain.Job, payload domain.Payload) error

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job, payload domain.Payload) error {
	return f(ctx, job, payload)
}

// DeadLetterHandler is implemented by handlers that record terminal failure
// on their own entities, e.g. marking a document failed.
type DeadLetterHandler interface {
	DeadLettered(ctx context.Context, job domain.Job, payload domain.Payload, cause error) error
}

// AnalyticsSink records job outcomes. Best-effort: failures never affect processing.
type AnalyticsSink interface {
	Record(ctx context.Context, job domain.Job, outcome string)
}

type Config struct {
	WorkerID     string
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
	// JobTimeout bounds a single handler run.
	JobTimeout   time.Duration
	DrainTimeout time.Duration
	Backoff      Backoff
}

func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		WorkerID:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		Concurrency:  8,
		BatchSize:    10,
		PollInterval: time.Second,
		JobTimeout:   90 * time.Second,
		DrainTimeout: 30 * time.Second,
		Backoff:      DefaultBackoff(),
	}
}

type Engine struct {
	broker   queue.Broker
	cfg      Config
	handlers map[domain.JobType]Handler

	logger    logrus.FieldLogger
	metrics   metrics.Sink
	tracer    trace.Tracer
	analytics AnalyticsSink // optional, nil = disabled
	wakeup    <-chan channel.Signal
	rand      func() float64

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func New(broker queue.Broker, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.WorkerID == "" {
		cfg.WorkerID = def.WorkerID
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}
	return &Engine{
		broker:   broker,
		cfg:      cfg,
		handlers: make(map[domain.JobType]Handler),
		logger:   logging.Component(logging.Discard(), "worker"),
		metrics:  metrics.NewNoopSink(),
		tracer:   otel.Tracer("reconflow/worker"),
		rand:     rand.Float64,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Register binds h to typ, replacing any previous handler.
func (e *Engine) Register(typ domain.JobType, h Handler) *Engine {
	e.handlers[typ] = h
	return e
}

func (e *Engine) WithLogger(logger logrus.FieldLogger) *Engine {
	e.logger = logging.Component(logger, "worker").WithField("worker_id", e.cfg.WorkerID)
	return e
}

func (e *Engine) WithMetrics(sink metrics.Sink) *Engine {
	e.metrics = sink
	return e
}

func (e *Engine) WithTracer(tracer trace.Tracer) *Engine {
	e.tracer = tracer
	return e
}

func (e *Engine) WithAnalytics(sink AnalyticsSink) *Engine {
	e.analytics = sink
	return e
}

// WithWakeup makes Run poll as soon as a signal arrives instead of waiting
// for the next interval.
func (e *Engine) WithWakeup(ch <-chan channel.Signal) *Engine {
	e.wakeup = ch
	return e
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func (e *Engine) WithRand(fn func() float64) *Engine {
	e.rand = fn
	return e
}

// Run polls until ctx is cancelled, then waits up to DrainTimeout for
// in-flight jobs to finish.
func (e *Engine) Run(ctx context.Context) {
	e.logger.WithFields(logrus.Fields{
		"concurrency": e.cfg.Concurrency,
		"batch_size":  e.cfg.BatchSize,
	}).Info("worker started")

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := e.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			logging.Error(e.logger, "poll", err, nil)
		}
		if ctx.Err() != nil {
			e.drain()
			return
		}
		if n == e.cfg.BatchSize {
			// A full batch suggests more work is waiting.
			continue
		}

		select {
		case <-ctx.Done():
			e.drain()
			return
		case <-ticker.C:
		case <-e.wakeup:
		}
	}
}

func (e *Engine) drain() {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("worker stopped, all jobs finished")
	case <-time.After(e.cfg.DrainTimeout):
		e.logger.WithField("drain_timeout", e.cfg.DrainTimeout).Warn("worker stopped with jobs still in flight; their claims will expire and be redelivered")
	}
}

// Poll claims up to BatchSize jobs, bounded by free concurrency, and starts
// each in its own goroutine. It blocks while all slots are busy.
func (e *Engine) Poll(ctx context.Context) (int, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	slots := 1
	for slots < e.cfg.BatchSize && e.sem.TryAcquire(1) {
		slots++
	}

	jobs, err := e.broker.Dequeue(ctx, e.cfg.WorkerID, slots)
	if unused := slots - len(jobs); unused > 0 {
		e.sem.Release(int64(unused))
	}
	if err != nil {
		return 0, fmt.Errorf("dequeue: %w", err)
	}

	// In-flight jobs outlive shutdown of the poll loop; drain bounds them.
	jobCtx := context.WithoutCancel(ctx)
	for _, job := range jobs {
		e.wg.Add(1)
		go func(job domain.Job) {
			defer e.wg.Done()
			defer e.sem.Release(1)
			_ = e.Process(jobCtx, job)
		}(job)
	}
	return len(jobs), nil
}

// Wait blocks until every job started by Poll has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Process runs one claimed job to a broker outcome: ack, nack or dead-letter.
// The returned error is the handler failure, if any.
func (e *Engine) Process(ctx context.Context, job domain.Job) error {
	e.metrics.JobClaimed(string(job.Type))
	e.metrics.JobsInFlightIncr()
	defer e.metrics.JobsInFlightDecr()

	ctx, span := e.tracer.Start(ctx, "job."+string(job.Type), trace.WithAttributes(
		attribute.String("tenant.id", job.TenantID.String()),
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	log := e.jobLogger(job)

	err := e.process(ctx, job, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) process(ctx context.Context, job domain.Job, log logrus.FieldLogger) error {
	payload, err := domain.DecodeJobPayload(job)
	if err != nil {
		err = joberr.Permanent(fmt.Errorf("decode payload: %w", err))
		e.fail(ctx, job, nil, err, log)
		return err
	}

	h, ok := e.handlers[job.Type]
	if !ok {
		err = joberr.Permanent(fmt.Errorf("%w: %s", ErrNoHandler, job.Type))
		e.fail(ctx, job, payload, err, log)
		return err
	}

	done, err := e.broker.HasSucceeded(ctx, job)
	if err != nil {
		err = joberr.Transient(fmt.Errorf("check idempotency: %w", err))
		e.fail(ctx, job, payload, err, log)
		return err
	}
	if done {
		log.Info("idempotency key already succeeded, skipping handler")
		e.settle(ctx, job, e.broker.Ack(ctx, job), metrics.OutcomeSkipped, log)
		return nil
	}

	hctx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	start := time.Now()
	err = h.Handle(hctx, job, payload)
	cancel()
	e.metrics.HandlerDuration(string(job.Type), time.Since(start))

	if err != nil {
		e.fail(ctx, job, payload, err, log)
		return err
	}
	log.WithField("duration", time.Since(start)).Debug("job succeeded")
	e.settle(ctx, job, e.broker.Ack(ctx, job), metrics.OutcomeSucceeded, log)
	return nil
}

func (e *Engine) fail(ctx context.Context, job domain.Job, payload domain.Payload, cause error, log logrus.FieldLogger) {
	log = log.WithError(cause)

	if joberr.IsPermanent(cause) {
		log.Warn("permanent failure, dead-lettering")
		err := e.broker.DeadLetter(ctx, job, cause)
		if e.settle(ctx, job, err, metrics.OutcomeDeadLettered, log) {
			e.metrics.JobDeadLettered(string(job.Type), metrics.ReasonPermanent)
			e.notifyDeadLetter(ctx, job, payload, cause, log)
		}
		return
	}

	if job.Attempts >= job.MaxAttempts {
		exhausted := joberr.Exhausted(job.Attempts, cause)
		log.Warn("retry budget exhausted, dead-lettering")
		err := e.broker.DeadLetter(ctx, job, exhausted)
		if e.settle(ctx, job, err, metrics.OutcomeDeadLettered, log) {
			e.metrics.JobDeadLettered(string(job.Type), metrics.ReasonExhausted)
			e.notifyDeadLetter(ctx, job, payload, exhausted, log)
		}
		return
	}

	if !joberr.IsTransient(cause) {
		cause = joberr.Transient(cause)
	}
	delay := e.cfg.Backoff.Delay(job.Attempts-1, e.rand())
	log.WithField("retry_after", delay).Info("transient failure, retrying")
	e.settle(ctx, job, e.broker.Nack(ctx, job, delay, cause), metrics.OutcomeRetried, log)
}

// settle records the outcome of a broker transition. It reports whether the
// transition was applied.
func (e *Engine) settle(ctx context.Context, job domain.Job, err error, outcome string, log logrus.FieldLogger) bool {
	switch {
	case errors.Is(err, queue.ErrClaimLost):
		log.Warn("claim lost before settling; the job was redelivered elsewhere")
		return false
	case err != nil:
		logging.Error(log, outcome, err, nil)
		return false
	}
	e.metrics.JobOutcome(string(job.Type), outcome)
	if e.analytics != nil {
		e.analytics.Record(ctx, job, outcome)
	}
	return true
}

// DeadLettered runs the dead-letter hook for a job that was dead-lettered
// outside the engine, e.g. by the reaper after its last claim expired.
func (e *Engine) DeadLettered(ctx context.Context, job domain.Job, cause error) {
	reason := metrics.ReasonPermanent
	if joberr.IsExhausted(cause) {
		reason = metrics.ReasonExhausted
	}
	e.metrics.JobDeadLettered(string(job.Type), reason)
	e.metrics.JobOutcome(string(job.Type), metrics.OutcomeDeadLettered)
	if e.analytics != nil {
		e.analytics.Record(ctx, job, metrics.OutcomeDeadLettered)
	}

	log := e.jobLogger(job).WithError(cause)
	payload, err := domain.DecodeJobPayload(job)
	if err != nil {
		log.WithField("decode_error", err.Error()).Warn("dead-lettered job has an undecodable payload, skipping hook")
		return
	}
	e.notifyDeadLetter(ctx, job, payload, cause, log)
}

func (e *Engine) notifyDeadLetter(ctx context.Context, job domain.Job, payload domain.Payload, cause error, log logrus.FieldLogger) {
	if payload == nil {
		return
	}
	h, ok := e.handlers[job.Type].(DeadLetterHandler)
	if !ok {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()
	if err := h.DeadLettered(hctx, job, payload, cause); err != nil {
		logging.Error(log, "dead_letter_hook", err, nil)
	}
}

func (e *Engine) jobLogger(job domain.Job) logrus.FieldLogger {
	return e.logger.WithFields(logrus.Fields{
		"tenant_id": job.TenantID,
		"job_id":    job.ID,
		"job_type":  job.Type,
		"attempt":   job.Attempts,
	})
}

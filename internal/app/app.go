// Package app assembles the pipeline from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/analytics"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/api"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/circuitbreaker"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/config"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/cron"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/filestore"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/ingest"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/leaderelection"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/metrics"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/notify"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/ocr"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/queue"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/reaper"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/reconcile"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/report"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/scheduler"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store/memory"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store/postgres"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/transport/channel"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/worker"
)

// wakeupBuffer bounds pending worker wakeups. One pending signal is enough
// to trigger a poll, so a small buffer loses nothing.
const wakeupBuffer = 100

// Store is everything the pipeline needs from a backend. Both the memory and
// postgres stores implement it.
type Store interface {
	queue.Broker
	api.Store
	scheduler.Store

	TransitionDocument(ctx context.Context, tenantID, documentID uuid.UUID, tr domain.DocumentTransition) error
	ListUnmatchedLedgerEntries(ctx context.Context, tenantID, documentID uuid.UUID, from, to time.Time) ([]domain.LedgerEntry, error)
	InsertMatch(ctx context.Context, m domain.Match) error
	GetMatch(ctx context.Context, tenantID, matchID uuid.UUID) (domain.Match, error)
	GetMatchByJob(ctx context.Context, tenantID, jobID uuid.UUID) (domain.Match, error)
	LatestMatch(ctx context.Context, tenantID, documentID uuid.UUID) (domain.Match, error)
	ListMatches(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]domain.Match, error)
	Ping(ctx context.Context) error
}

var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// App holds the wired components. Build it with New and release it with Close.
type App struct {
	cfg    config.Config
	logger *logrus.Logger

	db       *sql.DB // nil with the in-memory store
	store    Store
	enqueuer queue.Enqueuer
	metrics  metrics.Sink

	engine    *worker.Engine
	scheduler *scheduler.Scheduler
	reaper    *reaper.Reaper
	api       *api.Handler

	closers []func() error
}

// New connects every configured backend. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, metrics: metrics.NewNoopSink()}
	if err := a.build(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			logging.Error(logger, "close", cerr, nil)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	if cfg.MetricsEnabled {
		a.metrics = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)
	}

	if err := a.openStore(ctx); err != nil {
		return err
	}

	bus := channel.NewBus(wakeupBuffer)
	a.enqueuer = channel.NewSignalingEnqueuer(a.store, bus).WithMetrics(a.metrics)

	files, err := a.openFiles(ctx)
	if err != nil {
		return err
	}
	sender, err := a.openSender(ctx)
	if err != nil {
		return err
	}

	var locker scheduler.Locker
	var outcomes worker.AnalyticsSink
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		locker = scheduler.NewRedisLocker(redislock.New(client))
		outcomes = analytics.NewRedisSink(client, analytics.DefaultConfig()).WithLogger(logger)
		logger.WithField("redis", cfg.RedisAddr).Info("analytics and tick lock enabled")
	} else {
		logger.Info("REDIS_ADDR not set; analytics and tick lock disabled")
	}

	a.engine = a.buildEngine(files, sender, outcomes, bus)

	a.scheduler = scheduler.New(
		scheduler.Config{TickInterval: cfg.TickInterval, BatchSize: cfg.ScheduleBatchSize, MaxAttempts: cfg.MaxAttempts},
		a.store,
		cron.NewParser(),
		a.enqueuer,
	).WithLogger(logger).WithMetrics(a.metrics)
	if locker != nil {
		a.scheduler = a.scheduler.WithLocker(locker)
	}

	a.reaper = reaper.New(
		reaper.Config{Interval: cfg.ReaperInterval, BatchSize: cfg.ReaperBatchSize},
		a.store,
		a.engine,
	).WithLogger(logger).WithMetrics(a.metrics)

	a.api = api.NewHandler(a.store, a.store, cron.NewParser(), cfg.MaxAttempts).
		WithEnqueuer(a.enqueuer).
		WithLogger(logger).
		WithHealthChecker(a.store)

	return nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.logger.Warn("DATABASE_URL not set; using the in-memory store")
		a.store = memory.New(a.cfg.VisibilityTimeout)
		return nil
	}

	db, err := postgres.Open(ctx, a.cfg.DatabaseURL,
		a.cfg.DBMaxOpenConns, a.cfg.DBMaxIdleConns, a.cfg.DBConnMaxLifetime, a.cfg.DBConnMaxIdleTime)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.logger.WithFields(logrus.Fields{
		"max_open":      a.cfg.DBMaxOpenConns,
		"max_idle":      a.cfg.DBMaxIdleConns,
		"max_lifetime":  a.cfg.DBConnMaxLifetime,
		"max_idle_time": a.cfg.DBConnMaxIdleTime,
	}).Info("db pool configured")

	pg := postgres.New(db, a.cfg.VisibilityTimeout).WithOpTimeout(a.cfg.DBOpTimeout)
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	a.store = pg
	return nil
}

func (a *App) openFiles(ctx context.Context) (filestore.Store, error) {
	if a.cfg.GCSBucket == "" {
		return filestore.NewDir(a.cfg.ReportDir), nil
	}
	gcs, err := filestore.NewGCS(ctx, a.cfg.GCSBucket, a.cfg.GCSCredentialsFile)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, gcs.Close)
	return gcs, nil
}

func (a *App) openSender(ctx context.Context) (notify.Sender, error) {
	base, err := a.openTransport(ctx)
	if err != nil {
		return nil, err
	}
	if a.cfg.WebhookURL == "" {
		return base, nil
	}
	return notify.NewRouter(base).Route("webhook", notify.NewWebhookSender(a.cfg.WebhookURL, a.cfg.WebhookSecret)), nil
}

func (a *App) openTransport(ctx context.Context) (notify.Sender, error) {
	switch a.cfg.NotifyTransport {
	case "rabbitmq":
		s, err := notify.DialRabbit(a.cfg.RabbitMQURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s.WithLogger(a.logger), nil
	case "pubsub":
		s, err := notify.NewPubSubSender(ctx, a.cfg.PubSubProject, a.cfg.PubSubTopic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return notify.NewLogSender(a.logger), nil
	}
}

func (a *App) buildEngine(files filestore.Store, sender notify.Sender, outcomes worker.AnalyticsSink, bus *channel.Bus) *worker.Engine {
	cfg := a.cfg

	var extractor ocr.Extractor = ocr.Disabled{}
	if cfg.OCRURL != "" {
		client := ocr.NewHTTPClient(cfg.OCRURL, cfg.OCRAPIKey, cfg.OCRTimeout).
			WithResolver(files).
			WithMetrics(a.metrics)
		if cfg.CircuitBreakerThreshold > 0 {
			client = client.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		}
		extractor = client
	} else {
		a.logger.Warn("OCR_URL not set; ingestion jobs will dead-letter")
	}

	ingestStage := ingest.New(a.store, extractor, a.enqueuer, ingest.Config{
		ConfidenceThreshold: cfg.OCRConfidenceThreshold,
		MaxAttempts:         cfg.MaxAttempts,
	}).WithLogger(a.logger)

	reconcileStage := reconcile.New(a.store, a.enqueuer, reconcile.Config{
		DateWindow:          time.Duration(cfg.MatchDateWindowDays) * 24 * time.Hour,
		ExactSimilarity:     cfg.MatchExactSimilarity,
		CandidateSimilarity: cfg.MatchCandidateSimilarity,
		ConfidenceThreshold: cfg.MatchConfidenceThreshold,
	}).WithLogger(a.logger).WithMetrics(a.metrics).WithNotify("inapp", cfg.MaxAttempts)

	reportStage := report.New(a.store, files, a.enqueuer).
		WithLogger(a.logger).
		WithNotify(cfg.NotifyChannel, cfg.MaxAttempts)

	notifyStage := notify.New(a.store, sender, cfg.NotifyTimeout).WithLogger(a.logger)

	engine := worker.New(a.store, worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		BatchSize:    cfg.WorkerBatchSize,
		PollInterval: cfg.WorkerPollInterval,
		JobTimeout:   cfg.JobTimeout,
		DrainTimeout: cfg.WorkerDrainTimeout,
		Backoff:      worker.Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Jitter: worker.DefaultBackoff().Jitter},
	}).
		WithLogger(a.logger).
		WithMetrics(a.metrics).
		WithWakeup(bus.Channel()).
		Register(domain.JobTypeIngest, ingestStage).
		Register(domain.JobTypeReconcile, reconcileStage).
		Register(domain.JobTypeReport, reportStage).
		Register(domain.JobTypeNotify, notifyStage)
	if outcomes != nil {
		engine = engine.WithAnalytics(outcomes)
	}
	return engine
}

// Broker exposes the job queue for operator commands.
func (a *App) Broker() queue.Broker { return a.store }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.api.Router() }

// Tick runs one scheduler pass.
func (a *App) Tick(ctx context.Context) (int, error) {
	return a.scheduler.Tick(ctx)
}

// RunWorkers runs the worker engine until ctx is cancelled, then drains.
func (a *App) RunWorkers(ctx context.Context) {
	a.engine.Run(ctx)
}

// Serve runs the API, the workers and the leader duties until ctx is
// cancelled. Shutdown is ordered: leader duties stop first so no new jobs
// are produced, then workers drain, then the HTTP servers close.
func (a *App) Serve(ctx context.Context) error {
	var metricsServer *http.Server
	if a.cfg.MetricsEnabled {
		if a.cfg.MetricsPort == "" {
			a.api = a.api.WithMetricsHandler(a.cfg.MetricsPath, promhttp.Handler())
		} else {
			mux := http.NewServeMux()
			mux.Handle(a.cfg.MetricsPath, promhttp.Handler())
			metricsServer = &http.Server{Addr: ":" + a.cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go a.listen(metricsServer, "metrics")
		}
	}

	httpServer := &http.Server{Addr: a.cfg.HTTPAddr, Handler: a.api.Router(), ReadHeaderTimeout: 10 * time.Second}
	go a.listen(httpServer, "http")

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	workerCtx, cancelWorkers := context.WithCancel(context.Background())

	var leaderWg, workerWg sync.WaitGroup
	leaderWg.Add(1)
	go func() {
		defer leaderWg.Done()
		a.runLeaderDuties(leaderCtx)
	}()
	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		a.engine.Run(workerCtx)
	}()

	a.logger.WithFields(logrus.Fields{
		"http":        a.cfg.HTTPAddr,
		"tick":        a.cfg.TickInterval,
		"concurrency": a.cfg.WorkerConcurrency,
	}).Info("started")

	<-ctx.Done()
	a.logger.Info("shutting down")

	cancelLeader()
	leaderWg.Wait()
	a.logger.Info("leader duties stopped")

	cancelWorkers()
	workerWg.Wait()
	a.logger.Info("workers drained")

	shutdown := func(srv *http.Server, name string) {
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTPShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logging.Error(a.logger, "shutdown_"+name, err, nil)
		}
	}
	shutdown(httpServer, "http")
	if metricsServer != nil {
		shutdown(metricsServer, "metrics")
	}
	a.logger.Info("stopped")
	return nil
}

func (a *App) listen(srv *http.Server, name string) {
	a.logger.WithField("addr", srv.Addr).Infof("%s server listening", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error(a.logger, "serve_"+name, err, nil)
	}
}

// runLeaderDuties runs the scheduler and the reaper. With Postgres they run
// only while this instance holds the advisory lock; the in-memory store is
// single-process and always leads.
func (a *App) runLeaderDuties(ctx context.Context) {
	if a.db == nil {
		a.metrics.LeaderStatus(true)
		a.duties(ctx)
		return
	}

	var (
		mu      sync.Mutex
		running chan struct{}
	)
	onElected := func(leaderCtx context.Context) {
		done := make(chan struct{})
		mu.Lock()
		running = done
		mu.Unlock()
		defer close(done)
		a.duties(leaderCtx)
	}
	// leaderCtx is already cancelled here; wait for the duties to return.
	onDemoted := func() {
		mu.Lock()
		done := running
		running = nil
		mu.Unlock()
		if done != nil {
			<-done
		}
	}

	leaderelection.New(
		leaderelection.NewPostgres(a.db),
		a.cfg.LeaderLockKey,
		a.cfg.LeaderRetryInterval,
		a.cfg.LeaderHeartbeatInterval,
		onElected,
		onDemoted,
	).WithLogger(a.logger).WithMetrics(a.metrics).Run(ctx)
}

func (a *App) duties(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error(a.logger, "scheduler_run", err, nil)
		}
	}()
	go func() {
		defer wg.Done()
		a.reaper.Run(ctx)
	}()
	wg.Wait()
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close: %w", errors.Join(errs...))
	}
	return nil
}

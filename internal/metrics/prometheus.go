package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const namespace = "reconflow"

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger logrus.FieldLogger

	// Worker metrics
	jobsClaimedTotal  *prometheus.CounterVec
	jobOutcomesTotal  *prometheus.CounterVec
	deadLettersTotal  *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	jobsInFlight      prometheus.Gauge
	wakeupsDropped    prometheus.Counter
	ticksTotal        prometheus.Counter
	tickErrorsTotal   prometheus.Counter
	schedulesFired    prometheus.Counter
	tickDuration      prometheus.Histogram
	reaperRequeued    prometheus.Counter
	reaperExhausted   prometheus.Counter
	matchOutcomes     *prometheus.CounterVec
	ocrRequestsTotal  *prometheus.CounterVec
	ocrRequestLatency prometheus.Histogram
	leaderStatus      prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink. A nil logger discards
// registration warnings. Metrics that fail to register keep working unexported.
func NewPrometheusSink(reg prometheus.Registerer, logger logrus.FieldLogger) *PrometheusSink {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	s := &PrometheusSink{logger: logger.WithField("component", "metrics")}
	s.initWorkerMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initStageMetrics(reg)
	return s
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.jobsClaimedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "worker", Name: "jobs_claimed_total",
		Help: "Total number of jobs claimed from the broker.",
	}, []string{"type"})
	s.jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "worker", Name: "job_outcomes_total",
		Help: "Total number of job attempts by outcome.",
	}, []string{"type", "outcome"})
	s.deadLettersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "worker", Name: "dead_letters_total",
		Help: "Total number of dead-lettered jobs by reason.",
	}, []string{"type", "reason"})
	s.handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "worker", Name: "handler_duration_seconds",
		Help:    "Stage handler latency in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"type"})
	s.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "worker", Name: "jobs_in_flight",
		Help: "Number of jobs currently being processed.",
	})
	s.wakeupsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "worker", Name: "wakeups_dropped_total",
		Help: "Total number of job-available signals dropped because the buffer was full.",
	})

	s.register(reg, s.jobsClaimedTotal, "worker_jobs_claimed_total")
	s.register(reg, s.jobOutcomesTotal, "worker_job_outcomes_total")
	s.register(reg, s.deadLettersTotal, "worker_dead_letters_total")
	s.register(reg, s.handlerDuration, "worker_handler_duration_seconds")
	s.register(reg, s.jobsInFlight, "worker_jobs_in_flight")
	s.register(reg, s.wakeupsDropped, "worker_wakeups_dropped_total")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_errors_total",
		Help: "Total number of scheduler tick errors.",
	})
	s.schedulesFired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "schedules_fired_total",
		Help: "Total number of schedule fires that enqueued a job.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.reaperRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reaper", Name: "requeued_total",
		Help: "Total number of expired claims returned to the queue.",
	})
	s.reaperExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reaper", Name: "exhausted_total",
		Help: "Total number of expired claims dead-lettered with no attempts left.",
	})
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "leader",
		Help: "1 when this instance holds the leader lock.",
	})

	s.register(reg, s.ticksTotal, "scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "scheduler_tick_errors_total")
	s.register(reg, s.schedulesFired, "scheduler_schedules_fired_total")
	s.register(reg, s.tickDuration, "scheduler_tick_duration_seconds")
	s.register(reg, s.reaperRequeued, "reaper_requeued_total")
	s.register(reg, s.reaperExhausted, "reaper_exhausted_total")
	s.register(reg, s.leaderStatus, "leader")
}

func (s *PrometheusSink) initStageMetrics(reg prometheus.Registerer) {
	s.matchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reconcile", Name: "matches_total",
		Help: "Total number of matches written by status.",
	}, []string{"status"})
	s.ocrRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ocr", Name: "requests_total",
		Help: "Total number of OCR requests by status class.",
	}, []string{"status_class"})
	s.ocrRequestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "ocr", Name: "request_duration_seconds",
		Help:    "OCR request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.register(reg, s.matchOutcomes, "reconcile_matches_total")
	s.register(reg, s.ocrRequestsTotal, "ocr_requests_total")
	s.register(reg, s.ocrRequestLatency, "ocr_request_duration_seconds")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.WithError(err).WithField("metric", namespace+"_"+name).Warn("failed to register metric")
	}
}

func (s *PrometheusSink) JobClaimed(jobType string) {
	s.jobsClaimedTotal.WithLabelValues(jobType).Inc()
}

func (s *PrometheusSink) JobOutcome(jobType, outcome string) {
	s.jobOutcomesTotal.WithLabelValues(jobType, outcome).Inc()
}

func (s *PrometheusSink) JobDeadLettered(jobType, reason string) {
	s.deadLettersTotal.WithLabelValues(jobType, reason).Inc()
}

func (s *PrometheusSink) HandlerDuration(jobType string, d time.Duration) {
	s.handlerDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (s *PrometheusSink) JobsInFlightIncr() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobsInFlightDecr() {
	s.jobsInFlight.Dec()
}

func (s *PrometheusSink) WakeupDropped() {
	s.wakeupsDropped.Inc()
}

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, fired int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.schedulesFired.Add(float64(fired))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ReaperSwept(requeued, exhausted int) {
	s.reaperRequeued.Add(float64(requeued))
	s.reaperExhausted.Add(float64(exhausted))
}

func (s *PrometheusSink) MatchOutcome(status string) {
	s.matchOutcomes.WithLabelValues(status).Inc()
}

func (s *PrometheusSink) OCRRequestCompleted(statusClass string, d time.Duration) {
	s.ocrRequestsTotal.WithLabelValues(statusClass).Inc()
	s.ocrRequestLatency.Observe(d.Seconds())
}

func (s *PrometheusSink) LeaderStatus(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

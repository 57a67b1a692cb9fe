package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	errs := append(ValidationErrors(nil), cfg.loadErrs...)

	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	for _, d := range cfg.durations() {
		if *d.str == "" {
			add(d.name, "required")
			continue
		}
		v, err := time.ParseDuration(*d.str)
		if err != nil {
			add(d.name, "invalid duration: %v", err)
		} else if v <= 0 {
			add(d.name, "must be positive")
		}
	}

	positive := []struct {
		name  string
		value int
	}{
		{"MAX_ATTEMPTS", cfg.MaxAttempts},
		{"WORKER_CONCURRENCY", cfg.WorkerConcurrency},
		{"WORKER_BATCH_SIZE", cfg.WorkerBatchSize},
		{"MATCH_DATE_WINDOW_DAYS", cfg.MatchDateWindowDays},
		{"SCHEDULE_BATCH_SIZE", cfg.ScheduleBatchSize},
		{"REAPER_BATCH_SIZE", cfg.ReaperBatchSize},
		{"DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns},
		{"DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns},
	}
	for _, p := range positive {
		if p.value <= 0 {
			add(p.name, "must be a positive integer, got %d", p.value)
		}
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}
	if cfg.LeaderLockKey <= 0 {
		add("LEADER_LOCK_KEY", "must be a positive integer")
	}

	ratios := []struct {
		name  string
		value float64
	}{
		{"MATCH_CONFIDENCE_THRESHOLD", cfg.MatchConfidenceThreshold},
		{"MATCH_EXACT_SIMILARITY", cfg.MatchExactSimilarity},
		{"MATCH_CANDIDATE_SIMILARITY", cfg.MatchCandidateSimilarity},
		{"OCR_CONFIDENCE_THRESHOLD", cfg.OCRConfidenceThreshold},
	}
	for _, r := range ratios {
		if r.value < 0 || r.value > 1 {
			add(r.name, "must be between 0 and 1, got %g", r.value)
		}
	}
	if cfg.MatchCandidateSimilarity > cfg.MatchConfidenceThreshold || cfg.MatchConfidenceThreshold > cfg.MatchExactSimilarity {
		add("MATCH_CONFIDENCE_THRESHOLD", "must satisfy candidate (%g) <= confidence (%g) <= exact (%g)",
			cfg.MatchCandidateSimilarity, cfg.MatchConfidenceThreshold, cfg.MatchExactSimilarity)
	}

	if cfg.BaseDelay > 0 && cfg.MaxDelay > 0 && cfg.BaseDelay > cfg.MaxDelay {
		add("BASE_DELAY", "must not exceed MAX_DELAY")
	}
	if cfg.JobTimeout > 0 && cfg.VisibilityTimeout > 0 && cfg.JobTimeout >= cfg.VisibilityTimeout {
		add("JOB_TIMEOUT", "must be shorter than VISIBILITY_TIMEOUT (%s)", cfg.VisibilityTimeoutStr)
	}

	switch cfg.NotifyTransport {
	case "log":
	case "rabbitmq":
		if cfg.RabbitMQURL == "" {
			add("RABBITMQ_URL", "required when NOTIFY_TRANSPORT=rabbitmq")
		}
	case "pubsub":
		if cfg.PubSubProject == "" {
			add("PUBSUB_PROJECT", "required when NOTIFY_TRANSPORT=pubsub")
		}
		if cfg.PubSubTopic == "" {
			add("PUBSUB_TOPIC", "required when NOTIFY_TRANSPORT=pubsub")
		}
	default:
		add("NOTIFY_TRANSPORT", "must be 'log', 'rabbitmq' or 'pubsub', got %q", cfg.NotifyTransport)
	}

	if cfg.WebhookURL != "" {
		if u, err := url.Parse(cfg.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("WEBHOOK_URL", "must be an absolute http(s) URL")
		}
		if cfg.WebhookSecret == "" {
			add("WEBHOOK_SECRET", "required when WEBHOOK_URL is set")
		}
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		add("LOG_LEVEL", "%v", err)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		add("LOG_FORMAT", "must be 'json' or 'text', got %q", cfg.LogFormat)
	}
	if cfg.GCSBucket == "" && cfg.ReportDir == "" {
		add("REPORT_DIR", "required when GCS_BUCKET is not set")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

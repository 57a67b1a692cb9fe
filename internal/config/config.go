package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pipeline.
// Values come from environment variables, falling back to the YAML file named
// by CONFIG_FILE, then to defaults; see Default for the defaults.
type Config struct {
	ConfigFile string `json:"config_file,omitempty"`

	DatabaseURL string `json:"database_url,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Retry policy: delay = min(BaseDelay * 2^attempt, MaxDelay) ±20% jitter.
	MaxAttempts          int           `json:"max_attempts"`
	BaseDelay            time.Duration `json:"-"`
	BaseDelayStr         string        `json:"base_delay"`
	MaxDelay             time.Duration `json:"-"`
	MaxDelayStr          string        `json:"max_delay"`
	VisibilityTimeout    time.Duration `json:"-"`
	VisibilityTimeoutStr string        `json:"visibility_timeout"`

	// JobTimeout bounds a single handler run. It must stay below VisibilityTimeout
	// or a slow job is redelivered while still running.
	JobTimeout    time.Duration `json:"-"`
	JobTimeoutStr string        `json:"job_timeout"`

	WorkerConcurrency     int           `json:"worker_concurrency"`
	WorkerBatchSize       int           `json:"worker_batch_size"`
	WorkerPollInterval    time.Duration `json:"-"`
	WorkerPollIntervalStr string        `json:"worker_poll_interval"`
	WorkerDrainTimeout    time.Duration `json:"-"`
	WorkerDrainTimeoutStr string        `json:"worker_drain_timeout"`

	MatchDateWindowDays      int     `json:"match_date_window_days"`
	MatchConfidenceThreshold float64 `json:"match_confidence_threshold"`
	MatchExactSimilarity     float64 `json:"match_exact_similarity"`
	MatchCandidateSimilarity float64 `json:"match_candidate_similarity"`

	OCRURL                 string        `json:"ocr_url,omitempty"`
	OCRAPIKey              string        `json:"ocr_api_key,omitempty"`
	OCRTimeout             time.Duration `json:"-"`
	OCRTimeoutStr          string        `json:"ocr_timeout"`
	OCRConfidenceThreshold float64       `json:"ocr_confidence_threshold"`

	// CircuitBreakerThreshold: 0 disables the OCR circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	TickInterval      time.Duration `json:"-"`
	TickIntervalStr   string        `json:"tick_interval"`
	ScheduleBatchSize int           `json:"schedule_batch_size"`

	ReaperInterval    time.Duration `json:"-"`
	ReaperIntervalStr string        `json:"reaper_interval"`
	ReaperBatchSize   int           `json:"reaper_batch_size"`

	// NotifyTransport: "log", "rabbitmq" or "pubsub".
	NotifyTransport  string        `json:"notify_transport"`
	NotifyChannel    string        `json:"notify_channel"`
	NotifyTimeout    time.Duration `json:"-"`
	NotifyTimeoutStr string        `json:"notify_timeout"`
	RabbitMQURL      string        `json:"rabbitmq_url,omitempty"`
	PubSubProject    string        `json:"pubsub_project,omitempty"`
	PubSubTopic      string        `json:"pubsub_topic,omitempty"`

	// WebhookURL, when set, receives notifications on the "webhook" channel.
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`

	// GCSBucket enables Cloud Storage for source files and reports;
	// otherwise reports are written under ReportDir.
	GCSBucket          string `json:"gcs_bucket,omitempty"`
	GCSCredentialsFile string `json:"gcs_credentials_file,omitempty"`
	ReportDir          string `json:"report_dir"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`
	MetricsPort    string `json:"metrics_port"`

	DBOpTimeout          time.Duration `json:"-"`
	DBOpTimeoutStr       string        `json:"db_op_timeout"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey              int64         `json:"leader_lock_key"`
	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// loadErrs holds parse problems found by Load; Validate reports them.
	loadErrs ValidationErrors
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	cfg := Config{
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		LogFormat: "json",

		MaxAttempts:          5,
		BaseDelayStr:         "2s",
		MaxDelayStr:          "5m",
		VisibilityTimeoutStr: "2m",
		JobTimeoutStr:        "90s",

		WorkerConcurrency:     8,
		WorkerBatchSize:       10,
		WorkerPollIntervalStr: "1s",
		WorkerDrainTimeoutStr: "30s",

		MatchDateWindowDays:      7,
		MatchConfidenceThreshold: 0.75,
		MatchExactSimilarity:     0.9,
		MatchCandidateSimilarity: 0.6,

		OCRTimeoutStr:          "30s",
		OCRConfidenceThreshold: 0.6,

		CircuitBreakerThreshold:   5,
		CircuitBreakerCooldownStr: "1m",

		TickIntervalStr:   "30s",
		ScheduleBatchSize: 100,

		ReaperIntervalStr: "30s",
		ReaperBatchSize:   100,

		NotifyTransport:  "log",
		NotifyChannel:    "email",
		NotifyTimeoutStr: "10s",

		ReportDir: "reports",

		MetricsPath: "/metrics",
		MetricsPort: "9090",

		DBOpTimeoutStr:       "5s",
		DBMaxOpenConns:       25,
		DBMaxIdleConns:       5,
		DBConnMaxLifetimeStr: "30m",
		DBConnMaxIdleTimeStr: "5m",

		HTTPShutdownTimeoutStr: "10s",

		LeaderLockKey:              728379,
		LeaderRetryIntervalStr:     "5s",
		LeaderHeartbeatIntervalStr: "2s",
	}
	cfg.parseDurations()
	return cfg
}

// Load reads configuration from the environment and the optional CONFIG_FILE.
// Problems are reported by Validate rather than returned here.
func Load() Config {
	cfg := Default()
	src := source{}

	cfg.ConfigFile = os.Getenv("CONFIG_FILE")
	if cfg.ConfigFile != "" {
		file, err := readFile(cfg.ConfigFile)
		if err != nil {
			cfg.loadErrs = append(cfg.loadErrs, ValidationError{Field: "CONFIG_FILE", Message: err.Error()})
		}
		src.file = file
	}

	src.str(&cfg.DatabaseURL, "DATABASE_URL")
	src.str(&cfg.RedisAddr, "REDIS_ADDR")
	src.str(&cfg.HTTPAddr, "HTTP_ADDR")
	if _, ok := src.lookup("HTTP_ADDR"); !ok {
		if port, ok := src.lookup("PORT"); ok {
			cfg.HTTPAddr = ":" + port
		}
	}
	src.str(&cfg.LogLevel, "LOG_LEVEL")
	src.str(&cfg.LogFormat, "LOG_FORMAT")

	src.integer(&cfg, &cfg.MaxAttempts, "MAX_ATTEMPTS")
	src.str(&cfg.BaseDelayStr, "BASE_DELAY")
	src.str(&cfg.MaxDelayStr, "MAX_DELAY")
	src.str(&cfg.VisibilityTimeoutStr, "VISIBILITY_TIMEOUT")
	src.str(&cfg.JobTimeoutStr, "JOB_TIMEOUT")

	src.integer(&cfg, &cfg.WorkerConcurrency, "WORKER_CONCURRENCY")
	src.integer(&cfg, &cfg.WorkerBatchSize, "WORKER_BATCH_SIZE")
	src.str(&cfg.WorkerPollIntervalStr, "WORKER_POLL_INTERVAL")
	src.str(&cfg.WorkerDrainTimeoutStr, "WORKER_DRAIN_TIMEOUT")

	src.integer(&cfg, &cfg.MatchDateWindowDays, "MATCH_DATE_WINDOW_DAYS")
	src.float(&cfg, &cfg.MatchConfidenceThreshold, "MATCH_CONFIDENCE_THRESHOLD")
	src.float(&cfg, &cfg.MatchExactSimilarity, "MATCH_EXACT_SIMILARITY")
	src.float(&cfg, &cfg.MatchCandidateSimilarity, "MATCH_CANDIDATE_SIMILARITY")

	src.str(&cfg.OCRURL, "OCR_URL")
	src.str(&cfg.OCRAPIKey, "OCR_API_KEY")
	src.str(&cfg.OCRTimeoutStr, "OCR_TIMEOUT")
	src.float(&cfg, &cfg.OCRConfidenceThreshold, "OCR_CONFIDENCE_THRESHOLD")

	src.integer(&cfg, &cfg.CircuitBreakerThreshold, "CIRCUIT_BREAKER_THRESHOLD")
	src.str(&cfg.CircuitBreakerCooldownStr, "CIRCUIT_BREAKER_COOLDOWN")

	src.str(&cfg.TickIntervalStr, "TICK_INTERVAL")
	src.integer(&cfg, &cfg.ScheduleBatchSize, "SCHEDULE_BATCH_SIZE")
	src.str(&cfg.ReaperIntervalStr, "REAPER_INTERVAL")
	src.integer(&cfg, &cfg.ReaperBatchSize, "REAPER_BATCH_SIZE")

	src.str(&cfg.NotifyTransport, "NOTIFY_TRANSPORT")
	src.str(&cfg.NotifyChannel, "NOTIFY_CHANNEL")
	src.str(&cfg.NotifyTimeoutStr, "NOTIFY_TIMEOUT")
	src.str(&cfg.RabbitMQURL, "RABBITMQ_URL")
	src.str(&cfg.WebhookURL, "WEBHOOK_URL")
	src.str(&cfg.WebhookSecret, "WEBHOOK_SECRET")
	src.str(&cfg.PubSubProject, "PUBSUB_PROJECT")
	src.str(&cfg.PubSubTopic, "PUBSUB_TOPIC")

	src.str(&cfg.GCSBucket, "GCS_BUCKET")
	src.str(&cfg.GCSCredentialsFile, "GCS_CREDENTIALS_FILE")
	src.str(&cfg.ReportDir, "REPORT_DIR")

	if v, ok := src.lookup("METRICS_ENABLED"); ok {
		cfg.MetricsEnabled = v == "true"
	}
	src.str(&cfg.MetricsPath, "METRICS_PATH")
	src.str(&cfg.MetricsPort, "METRICS_PORT")

	src.str(&cfg.DBOpTimeoutStr, "DB_OP_TIMEOUT")
	src.integer(&cfg, &cfg.DBMaxOpenConns, "DB_MAX_OPEN_CONNS")
	src.integer(&cfg, &cfg.DBMaxIdleConns, "DB_MAX_IDLE_CONNS")
	src.str(&cfg.DBConnMaxLifetimeStr, "DB_CONN_MAX_LIFETIME")
	src.str(&cfg.DBConnMaxIdleTimeStr, "DB_CONN_MAX_IDLE_TIME")
	src.str(&cfg.HTTPShutdownTimeoutStr, "HTTP_SHUTDOWN_TIMEOUT")

	if v, ok := src.lookup("LEADER_LOCK_KEY"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.LeaderLockKey = n
		} else {
			cfg.loadErrs = append(cfg.loadErrs, ValidationError{Field: "LEADER_LOCK_KEY", Message: fmt.Sprintf("invalid integer %q", v)})
		}
	}
	src.str(&cfg.LeaderRetryIntervalStr, "LEADER_RETRY_INTERVAL")
	src.str(&cfg.LeaderHeartbeatIntervalStr, "LEADER_HEARTBEAT_INTERVAL")

	// Parse durations; validation is handled separately by Validate().
	cfg.parseDurations()
	return cfg
}

func (c *Config) parseDurations() {
	for _, d := range c.durations() {
		if v, err := time.ParseDuration(*d.str); err == nil {
			*d.dur = v
		}
	}
}

type durationField struct {
	name string
	str  *string
	dur  *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"BASE_DELAY", &c.BaseDelayStr, &c.BaseDelay},
		{"MAX_DELAY", &c.MaxDelayStr, &c.MaxDelay},
		{"VISIBILITY_TIMEOUT", &c.VisibilityTimeoutStr, &c.VisibilityTimeout},
		{"JOB_TIMEOUT", &c.JobTimeoutStr, &c.JobTimeout},
		{"WORKER_POLL_INTERVAL", &c.WorkerPollIntervalStr, &c.WorkerPollInterval},
		{"WORKER_DRAIN_TIMEOUT", &c.WorkerDrainTimeoutStr, &c.WorkerDrainTimeout},
		{"OCR_TIMEOUT", &c.OCRTimeoutStr, &c.OCRTimeout},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"TICK_INTERVAL", &c.TickIntervalStr, &c.TickInterval},
		{"REAPER_INTERVAL", &c.ReaperIntervalStr, &c.ReaperInterval},
		{"NOTIFY_TIMEOUT", &c.NotifyTimeoutStr, &c.NotifyTimeout},
		{"DB_OP_TIMEOUT", &c.DBOpTimeoutStr, &c.DBOpTimeout},
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"LEADER_RETRY_INTERVAL", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
	}
}

// source resolves a variable from the environment first, then the config file.
// File keys are the lower-cased variable names, e.g. max_attempts.
type source struct {
	file map[string]string
}

func (s source) lookup(name string) (string, bool) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v, true
	}
	v, ok := s.file[strings.ToLower(name)]
	return v, ok && v != ""
}

func (s source) str(dst *string, name string) {
	if v, ok := s.lookup(name); ok {
		*dst = v
	}
}

func (s source) integer(cfg *Config, dst *int, name string) {
	v, ok := s.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		cfg.loadErrs = append(cfg.loadErrs, ValidationError{Field: name, Message: fmt.Sprintf("invalid integer %q", v)})
		return
	}
	*dst = n
}

func (s source) float(cfg *Config, dst *float64, name string) {
	v, ok := s.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		cfg.loadErrs = append(cfg.loadErrs, ValidationError{Field: name, Message: fmt.Sprintf("invalid number %q", v)})
		return
	}
	*dst = f
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.RabbitMQURL = maskSecret(c.RabbitMQURL)
	masked.OCRAPIKey = maskSecret(c.OCRAPIKey)
	masked.WebhookSecret = maskSecret(c.WebhookSecret)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "://"); i > 0 {
		return s[:i+3] + "***"
	}
	return "***"
}

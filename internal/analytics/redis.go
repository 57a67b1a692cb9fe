// Package analytics keeps per-tenant job outcome counters in Redis, bucketed
// by time window. Writes are best-effort and never affect job processing.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
)

type Config struct {
	// Window is the bucket width: one minute, five minutes or one hour.
	Window    time.Duration
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{Window: time.Hour, Retention: 7 * 24 * time.Hour}
}

type RedisSink struct {
	client *redis.Client
	config Config
	clock  func() time.Time
	logger logrus.FieldLogger
}

func NewRedisSink(client *redis.Client, config Config) *RedisSink {
	return &RedisSink{
		client: client,
		config: config,
		clock:  time.Now,
		logger: logging.Component(logging.Discard(), "analytics"),
	}
}

func (s *RedisSink) WithLogger(logger logrus.FieldLogger) *RedisSink {
	s.logger = logging.Component(logger, "analytics")
	return s
}

func (s *RedisSink) WithClock(clock func() time.Time) *RedisSink {
	s.clock = clock
	return s
}

// Record counts one outcome for the job's tenant and type.
func (s *RedisSink) Record(ctx context.Context, job domain.Job, outcome string) {
	key := buildKey(job.TenantID, job.Type, outcome, s.clock(), s.config.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Error(s.logger, "record_outcome", fmt.Errorf("redis pipeline: %w", err), logrus.Fields{
			"tenant_id": job.TenantID,
			"job_type":  job.Type,
			"outcome":   outcome,
		})
	}
}

// Count returns the counter for the bucket containing at.
func (s *RedisSink) Count(ctx context.Context, tenantID uuid.UUID, typ domain.JobType, outcome string, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(tenantID, typ, outcome, at, s.config.Window)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func buildKey(tenantID uuid.UUID, typ domain.JobType, outcome string, t time.Time, window time.Duration) string {
	return fmt.Sprintf("t:%s:%s:%s:%s", tenantID, typ, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}

// Package leaderelection elects the instance that runs the scheduler and the
// reaper, using a Postgres session-scoped advisory lock.
//
// The lock is held for the lifetime of a dedicated database connection; there
// is no renewal or TTL. If the connection dies, Postgres releases the lock
// server-side. The heartbeat ping only detects local connection death so the
// leader can stop its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/metrics"
)

// Reasons leadership ends.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// Session is a dedicated connection that can hold the advisory lock.
type Session interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

type Connector interface {
	Session(ctx context.Context) (Session, error)
}

// Elector runs onElected while this instance holds the lock.
type Elector struct {
	connector         Connector
	lockKey           int64
	retryInterval     time.Duration
	heartbeatInterval time.Duration
	onElected         func(ctx context.Context)
	onDemoted         func()
	logger            logrus.FieldLogger
	metrics           metrics.Sink
}

// New creates an Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// Its context is cancelled when leadership is lost.
//
// onDemoted is called synchronously when leadership is lost. It should block
// until leader duties have stopped, and must be idempotent.
func New(
	connector Connector,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		connector:         connector,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		logger:            logging.Component(logging.Discard(), "leader"),
		metrics:           metrics.NewNoopSink(),
	}
}

func (e *Elector) WithLogger(logger logrus.FieldLogger) *Elector {
	e.logger = logging.Component(logger, "leader")
	return e
}

func (e *Elector) WithMetrics(sink metrics.Sink) *Elector {
	e.metrics = sink
	return e
}

// Run is the election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log := e.logger.WithField("lock_key", e.lockKey)
	log.WithFields(logrus.Fields{
		"retry":     e.retryInterval,
		"heartbeat": e.heartbeatInterval,
	}).Info("election loop started")

	for ctx.Err() == nil {
		if reason := e.runOnce(ctx); reason != "" && ctx.Err() == nil {
			log.WithField("reason", reason).Warn("lost leadership, retrying")
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.retryInterval):
		}
	}
	log.Info("election loop stopped")
}

// runOnce tries to take the lock and holds it until it is lost.
// It returns the reason leadership ended, or "" if the lock was not acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	log := e.logger.WithField("lock_key", e.lockKey)

	sess, err := e.connector.Session(ctx)
	if err != nil {
		logging.Error(log, "open_session", err, nil)
		return ""
	}
	defer sess.Close()

	acquired, err := sess.TryLock(ctx, e.lockKey)
	if err != nil {
		logging.Error(log, "try_lock", err, nil)
		return ""
	}
	if !acquired {
		log.Debug("lock held by another instance")
		return ""
	}

	log.Info("acquired leadership")
	e.metrics.LeaderStatus(true)

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.hold(ctx, sess)

	cancelLeader()
	e.onDemoted()
	e.metrics.LeaderStatus(false)

	log.WithField("reason", reason).Info("released leadership")
	return reason
}

func (e *Elector) hold(ctx context.Context, sess Session) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := sess.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				logging.Error(e.logger, "heartbeat", err, nil)
				return ReasonConnLost
			}
		}
	}
}

// Postgres opens lock sessions on dedicated connections from db.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Session(ctx context.Context) (Session, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &pgSession{conn: conn}, nil
}

type pgSession struct {
	conn *sql.Conn
}

func (s *pgSession) TryLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired)
	return acquired, err
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *pgSession) Close() error {
	return s.conn.Close()
}

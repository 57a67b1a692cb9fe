package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

const tickLockKey = "reconflow:scheduler:tick"

// ErrLocked is returned by Locker.Obtain when another holder owns the lock.
var ErrLocked = errors.New("lock held elsewhere")

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// RedisLocker adapts a redislock client.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client *redislock.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}

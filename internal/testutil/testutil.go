// Package testutil provides shared test helpers.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// DefaultTimeout bounds every context handed out by TestContext.
const DefaultTimeout = 5 * time.Second

// FakeClock is a manually driven clock. It always reports UTC, the zone the
// stores persist timestamps in, so values read back compare equal.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

// Now satisfies the func() time.Time clock hooks taken by WithClock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to t, which may be earlier than the current time.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// TestContext returns a context cancelled after DefaultTimeout or when the
// test completes, whichever comes first.
func TestContext(t testing.TB) context.Context {
	t.Helper()
	return TimeoutContext(t, DefaultTimeout)
}

// TimeoutContext is TestContext with an explicit bound.
func TimeoutContext(t testing.TB, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// Logger returns a debug-level logger that records entries in memory.
func Logger() (*logrus.Logger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// MustParseUUID panics on malformed input.
func MustParseUUID(s string) uuid.UUID {
	return uuid.MustParse(s)
}

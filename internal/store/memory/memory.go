// Package memory is an in-process implementation of the broker and the
// repositories. It backs single-process deployments and tests; all state is
// guarded by one mutex so every operation is atomic.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
)

const DefaultVisibilityTimeout = 2 * time.Minute

type Store struct {
	mu         sync.Mutex
	clock      func() time.Time
	visibility time.Duration

	jobs      map[uuid.UUID]*domain.Job
	documents map[uuid.UUID]domain.Document
	ledger    map[uuid.UUID]domain.LedgerEntry
	matches   map[uuid.UUID]domain.Match
	schedules map[uuid.UUID]domain.Schedule
}

// New creates an empty store. A non-positive visibility uses DefaultVisibilityTimeout.
func New(visibility time.Duration) *Store {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Store{
		clock:      time.Now,
		visibility: visibility,
		jobs:       make(map[uuid.UUID]*domain.Job),
		documents:  make(map[uuid.UUID]domain.Document),
		ledger:     make(map[uuid.UUID]domain.LedgerEntry),
		matches:    make(map[uuid.UUID]domain.Match),
		schedules:  make(map[uuid.UUID]domain.Schedule),
	}
}

// WithClock replaces the time source.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func lessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

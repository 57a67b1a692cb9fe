package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
)

// InsertMatch stores an immutable match. It returns store.ErrDuplicate when
// the job already wrote a match and store.ErrConflict when the superseded
// match is already superseded or another document's current match holds the
// ledger entry.
func (s *Store) InsertMatch(ctx context.Context, m domain.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.matches {
		if existing.ID == m.ID || (existing.TenantID == m.TenantID && existing.JobID == m.JobID) {
			return store.ErrDuplicate
		}
	}
	if m.SupersedesID != nil {
		prev, ok := s.matches[*m.SupersedesID]
		if !ok || prev.TenantID != m.TenantID || prev.DocumentID != m.DocumentID {
			return fmt.Errorf("%w: superseded match %s not found for document %s", store.ErrConflict, *m.SupersedesID, m.DocumentID)
		}
		if s.supersededLocked(prev.ID) {
			return fmt.Errorf("%w: match %s already superseded", store.ErrConflict, prev.ID)
		}
	} else if _, found := s.latestLocked(m.TenantID, m.DocumentID); found {
		return fmt.Errorf("%w: document %s already has a match", store.ErrConflict, m.DocumentID)
	}
	if holder, held := s.entryHolderLocked(m); held {
		return fmt.Errorf("%w: ledger entry %s held by document %s", store.ErrConflict, *m.LedgerEntryID, holder)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.matches[m.ID] = m
	return nil
}

func (s *Store) GetMatch(ctx context.Context, tenantID, matchID uuid.UUID) (domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok || m.TenantID != tenantID {
		return domain.Match{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) GetMatchByJob(ctx context.Context, tenantID, jobID uuid.UUID) (domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.matches {
		if m.TenantID == tenantID && m.JobID == jobID {
			return m, nil
		}
	}
	return domain.Match{}, store.ErrNotFound
}

// LatestMatch returns the document's match that no other match supersedes.
func (s *Store) LatestMatch(ctx context.Context, tenantID, documentID uuid.UUID) (domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.latestLocked(tenantID, documentID)
	if !ok {
		return domain.Match{}, store.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMatches(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Match
	for _, m := range s.matches {
		if m.TenantID == tenantID && !m.CreatedAt.Before(from) && m.CreatedAt.Before(to) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return lessID(out[a].ID, out[b].ID)
	})
	return out, nil
}

func (s *Store) latestLocked(tenantID, documentID uuid.UUID) (domain.Match, bool) {
	for _, m := range s.matches {
		if m.TenantID == tenantID && m.DocumentID == documentID && !s.supersededLocked(m.ID) {
			return m, true
		}
	}
	return domain.Match{}, false
}

func (s *Store) supersededLocked(matchID uuid.UUID) bool {
	for _, m := range s.matches {
		if m.SupersedesID != nil && *m.SupersedesID == matchID {
			return true
		}
	}
	return false
}

// entryHolderLocked reports the document whose current matched result already
// holds m's ledger entry.
func (s *Store) entryHolderLocked(m domain.Match) (uuid.UUID, bool) {
	if m.Status != domain.MatchStatusMatched || m.LedgerEntryID == nil {
		return uuid.Nil, false
	}
	for _, other := range s.matches {
		if other.TenantID != m.TenantID || other.DocumentID == m.DocumentID {
			continue
		}
		if other.Status != domain.MatchStatusMatched || other.LedgerEntryID == nil || *other.LedgerEntryID != *m.LedgerEntryID {
			continue
		}
		if !s.supersededLocked(other.ID) {
			return other.DocumentID, true
		}
	}
	return uuid.Nil, false
}

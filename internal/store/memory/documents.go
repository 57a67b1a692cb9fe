package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
)

func (s *Store) CreateDocument(ctx context.Context, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[doc.ID]; exists {
		return store.ErrDuplicate
	}
	now := s.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.Fields = slices.Clone(doc.Fields)
	s.documents[doc.ID] = doc
	return nil
}

func (s *Store) GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok || doc.TenantID != tenantID {
		return domain.Document{}, store.ErrNotFound
	}
	doc.Fields = slices.Clone(doc.Fields)
	return doc, nil
}

func (s *Store) TransitionDocument(ctx context.Context, tenantID, documentID uuid.UUID, tr domain.DocumentTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok || doc.TenantID != tenantID {
		return store.ErrNotFound
	}
	if doc.Status != tr.From || !tr.From.CanTransitionTo(tr.To) {
		return fmt.Errorf("%w: document %s is %s, want %s -> %s", store.ErrConflict, documentID, doc.Status, tr.From, tr.To)
	}
	doc.Status = tr.To
	if tr.Fields != nil {
		doc.Fields = slices.Clone(tr.Fields)
	}
	if tr.FailureReason != "" {
		doc.FailureReason = tr.FailureReason
	}
	doc.UpdatedAt = s.now()
	s.documents[documentID] = doc
	return nil
}

// CancelDocument marks the document cancelled. Cancelling twice keeps the first timestamp.
func (s *Store) CancelDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok || doc.TenantID != tenantID {
		return store.ErrNotFound
	}
	if doc.CancelledAt == nil {
		now := s.now()
		doc.CancelledAt = &now
		doc.UpdatedAt = now
		s.documents[documentID] = doc
	}
	return nil
}

// PutLedgerEntry upserts an entry supplied by the external ledger.
func (s *Store) PutLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ledger[entry.ID]; ok && existing.TenantID != entry.TenantID {
		return store.ErrDuplicate
	}
	s.ledger[entry.ID] = entry
	return nil
}

// ListUnmatchedLedgerEntries returns the tenant's open entries dated within
// [from, to]. Entries held by another document's current matched result are excluded.
func (s *Store) ListUnmatchedLedgerEntries(ctx context.Context, tenantID, documentID uuid.UUID, from, to time.Time) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := make(map[uuid.UUID]bool)
	for _, m := range s.matches {
		if m.TenantID != tenantID || m.DocumentID == documentID || m.Status != domain.MatchStatusMatched || m.LedgerEntryID == nil {
			continue
		}
		if !s.supersededLocked(m.ID) {
			held[*m.LedgerEntryID] = true
		}
	}

	var out []domain.LedgerEntry
	for _, e := range s.ledger {
		if e.TenantID != tenantID || e.Matched || held[e.ID] {
			continue
		}
		if e.Date.Before(from) || e.Date.After(to) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return lessID(out[a].ID, out[b].ID) })
	return out, nil
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
)

func (s *Store) CreateDocument(ctx context.Context, doc domain.Document) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	now := s.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	fields, err := encodeFields(doc.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, queryInsertDocument,
		doc.ID,
		doc.TenantID,
		doc.SourceRef,
		doc.Status,
		fields,
		doc.FailureReason,
		doc.CreatedAt.UTC(),
		now,
	)
	if _, dup := uniqueConstraint(err); dup {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) GetDocument(ctx context.Context, tenantID, documentID uuid.UUID) (domain.Document, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var (
		doc         domain.Document
		fields      []byte
		cancelledAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, queryGetDocument, documentID, tenantID).Scan(
		&doc.ID,
		&doc.TenantID,
		&doc.SourceRef,
		&doc.Status,
		&fields,
		&doc.FailureReason,
		&cancelledAt,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Document{}, err
	}
	if err := json.Unmarshal(fields, &doc.Fields); err != nil {
		return domain.Document{}, fmt.Errorf("decode fields of document %s: %w", doc.ID, err)
	}
	if len(doc.Fields) == 0 {
		doc.Fields = nil
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		doc.CancelledAt = &t
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

// TransitionDocument applies tr only if the document is still in tr.From.
func (s *Store) TransitionDocument(ctx context.Context, tenantID, documentID uuid.UUID, tr domain.DocumentTransition) error {
	if !tr.From.CanTransitionTo(tr.To) {
		return fmt.Errorf("%w: %s -> %s is not allowed", store.ErrConflict, tr.From, tr.To)
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	var fields any
	if tr.Fields != nil {
		encoded, err := encodeFields(tr.Fields)
		if err != nil {
			return err
		}
		fields = encoded
	}
	result, err := s.db.ExecContext(ctx, queryTransitionDocument,
		documentID, tenantID, tr.From, tr.To, fields, tr.FailureReason, s.now())
	if err != nil {
		return fmt.Errorf("transition document %s: %w", documentID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}
	found, err := s.exists(ctx, queryDocumentExists, documentID, tenantID)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: document %s is not %s", store.ErrConflict, documentID, tr.From)
}

// CancelDocument marks the document cancelled. Cancelling twice keeps the first timestamp.
func (s *Store) CancelDocument(ctx context.Context, tenantID, documentID uuid.UUID) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryCancelDocument, documentID, tenantID, s.now())
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PutLedgerEntry upserts an entry supplied by the external ledger.
func (s *Store) PutLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryUpsertLedgerEntry,
		entry.ID,
		entry.TenantID,
		entry.Amount,
		entry.Currency,
		entry.Date.UTC(),
		entry.Counterparty,
		entry.Reference,
		entry.Matched,
	)
	if err != nil {
		return fmt.Errorf("put ledger entry %s: %w", entry.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return store.ErrDuplicate
	}
	return nil
}

// ListUnmatchedLedgerEntries returns the tenant's open entries dated within
// [from, to]. Entries held by another document's current matched result are excluded.
func (s *Store) ListUnmatchedLedgerEntries(ctx context.Context, tenantID, documentID uuid.UUID, from, to time.Time) ([]domain.LedgerEntry, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListUnmatchedLedgerEntries, tenantID, documentID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(
			&e.ID,
			&e.TenantID,
			&e.Amount,
			&e.Currency,
			&e.Date,
			&e.Counterparty,
			&e.Reference,
			&e.Matched,
		); err != nil {
			return nil, err
		}
		e.Date = e.Date.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func encodeFields(fields []domain.ExtractedField) ([]byte, error) {
	if fields == nil {
		fields = []domain.ExtractedField{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return b, nil
}

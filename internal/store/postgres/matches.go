package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/store"
)

const matchJobIndex = "matches_job_uniq"

// InsertMatch stores an immutable match. It returns store.ErrDuplicate when
// the job already wrote a match and store.ErrConflict when the superseded
// match is missing or already superseded, or when another document's current
// match holds the ledger entry. The entry row stays locked until commit so
// concurrent claims on it serialize.
func (s *Store) InsertMatch(ctx context.Context, m domain.Match) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if m.SupersedesID != nil {
			var found bool
			if err := tx.QueryRowContext(ctx, querySupersedable, *m.SupersedesID, m.TenantID, m.DocumentID).Scan(&found); err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: superseded match %s not found for document %s", store.ErrConflict, *m.SupersedesID, m.DocumentID)
			}
		}
		if m.Status == domain.MatchStatusMatched && m.LedgerEntryID != nil {
			if err := claimLedgerEntry(ctx, tx, m); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, queryInsertMatch,
			m.ID,
			m.TenantID,
			m.DocumentID,
			m.JobID,
			nullUUID(m.LedgerEntryID),
			m.ConfidenceScore,
			m.Status,
			nullUUID(m.SupersedesID),
			m.CreatedAt.UTC(),
		)
		if constraint, dup := uniqueConstraint(err); dup {
			if constraint == matchJobIndex || constraint == "matches_pkey" {
				return store.ErrDuplicate
			}
			return fmt.Errorf("%w: document %s match chain moved (%s)", store.ErrConflict, m.DocumentID, constraint)
		}
		return err
	})
}

func claimLedgerEntry(ctx context.Context, tx *sql.Tx, m domain.Match) error {
	var locked uuid.UUID
	err := tx.QueryRowContext(ctx, queryLockLedgerEntry, *m.LedgerEntryID, m.TenantID).Scan(&locked)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lock ledger entry: %w", err)
	}

	var holder uuid.UUID
	err = tx.QueryRowContext(ctx, queryLedgerEntryHolder, m.TenantID, *m.LedgerEntryID, m.DocumentID).Scan(&holder)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("check ledger entry holder: %w", err)
	}
	return fmt.Errorf("%w: ledger entry %s held by document %s", store.ErrConflict, *m.LedgerEntryID, holder)
}

func (s *Store) GetMatch(ctx context.Context, tenantID, matchID uuid.UUID) (domain.Match, error) {
	return s.getMatch(ctx, queryGetMatch, matchID, tenantID)
}

func (s *Store) GetMatchByJob(ctx context.Context, tenantID, jobID uuid.UUID) (domain.Match, error) {
	return s.getMatch(ctx, queryGetMatchByJob, jobID, tenantID)
}

// LatestMatch returns the document's match that no other match supersedes.
func (s *Store) LatestMatch(ctx context.Context, tenantID, documentID uuid.UUID) (domain.Match, error) {
	return s.getMatch(ctx, queryLatestMatch, tenantID, documentID)
}

func (s *Store) getMatch(ctx context.Context, query string, args ...any) (domain.Match, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	m, err := scanMatch(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Match{}, store.ErrNotFound
	}
	return m, err
}

// ListMatches returns the tenant's matches created in [from, to), oldest first.
func (s *Store) ListMatches(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]domain.Match, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListMatches, tenantID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var matches []domain.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func scanMatch(row scanner) (domain.Match, error) {
	var (
		m            domain.Match
		ledgerEntry  uuid.NullUUID
		supersedesID uuid.NullUUID
	)
	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.DocumentID,
		&m.JobID,
		&ledgerEntry,
		&m.ConfidenceScore,
		&m.Status,
		&supersedesID,
		&m.CreatedAt,
	)
	if err != nil {
		return domain.Match{}, err
	}
	if ledgerEntry.Valid {
		id := ledgerEntry.UUID
		m.LedgerEntryID = &id
	}
	if supersedesID.Valid {
		id := supersedesID.UUID
		m.SupersedesID = &id
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

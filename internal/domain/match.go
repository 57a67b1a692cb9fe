package domain

import (
	"time"

	"github.com/google/uuid"
)

type MatchStatus string

const (
	MatchStatusMatched   MatchStatus = "matched"
	MatchStatusAmbiguous MatchStatus = "ambiguous"
	MatchStatusUnmatched MatchStatus = "unmatched"
)

// Match is immutable. A re-run writes a new row with SupersedesID pointing at
// the document's previous latest match.
type Match struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	DocumentID uuid.UUID
	JobID      uuid.UUID

	LedgerEntryID   *uuid.UUID
	ConfidenceScore float64
	Status          MatchStatus
	SupersedesID    *uuid.UUID

	CreatedAt time.Time
}

func (m Match) OwnerTenant() uuid.UUID { return m.TenantID }

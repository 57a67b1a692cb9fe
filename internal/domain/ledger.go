package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerEntry is an existing financial record owned by the external ledger.
// The pipeline only reads it.
type LedgerEntry struct {
	ID       uuid.UUID
	TenantID uuid.UUID

	Amount       decimal.Decimal
	Currency     string
	Date         time.Time
	Counterparty string
	Reference    string

	// Matched is set by the ledger when the entry is settled elsewhere.
	Matched bool
}

func (e LedgerEntry) OwnerTenant() uuid.UUID { return e.TenantID }

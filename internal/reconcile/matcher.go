// Package reconcile matches extracted documents against the tenant's ledger.
package reconcile

import (
	"bytes"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/ingest"
)

type Config struct {
	DateWindow time.Duration

	// ExactSimilarity is the counterparty similarity an exact match needs.
	ExactSimilarity float64
	// CandidateSimilarity is the floor below which an entry is not a candidate.
	CandidateSimilarity float64
	// ConfidenceThreshold separates matched from ambiguous fuzzy results.
	ConfidenceThreshold float64
}

func DefaultConfig() Config {
	return Config{
		DateWindow:          7 * 24 * time.Hour,
		ExactSimilarity:     0.9,
		CandidateSimilarity: 0.6,
		ConfidenceThreshold: 0.75,
	}
}

// Facts are the document fields matching needs, parsed.
type Facts struct {
	Amount       decimal.Decimal
	Currency     string
	Date         time.Time
	Counterparty string
}

// ParseFacts reads amount, currency and date from doc. ok is false when any
// of them is missing or unparseable.
func ParseFacts(doc domain.Document) (Facts, bool) {
	amount, ok := doc.Field(domain.FieldAmount)
	if !ok {
		return Facts{}, false
	}
	currency, ok := doc.Field(domain.FieldCurrency)
	if !ok || strings.TrimSpace(currency.Value) == "" {
		return Facts{}, false
	}
	date, ok := doc.Field(domain.FieldDate)
	if !ok {
		return Facts{}, false
	}
	a, err := decimal.NewFromString(amount.Value)
	if err != nil {
		return Facts{}, false
	}
	d, err := time.Parse(ingest.DateLayout, date.Value)
	if err != nil {
		return Facts{}, false
	}
	var counterparty string
	if cp, ok := doc.Field(domain.FieldCounterparty); ok {
		counterparty = cp.Value
	}
	return Facts{Amount: a, Currency: strings.ToUpper(currency.Value), Date: d, Counterparty: counterparty}, true
}

// Window returns the ledger date range searched for d.
func (c Config) Window(d time.Time) (from, to time.Time) {
	return d.Add(-c.DateWindow), d.Add(c.DateWindow)
}

type Result struct {
	Status  domain.MatchStatus
	EntryID *uuid.UUID
	Score   float64
}

type candidate struct {
	entry    domain.LedgerEntry
	sim      float64
	dateDist time.Duration
}

// Match picks the best ledger entry for the document facts. It is a pure
// function of its inputs, so the same facts and entries always give the same
// result regardless of entry order.
func Match(cfg Config, facts Facts, entries []domain.LedgerEntry) Result {
	var exact, fuzzy []candidate
	for _, e := range entries {
		if e.Matched || !strings.EqualFold(e.Currency, facts.Currency) {
			continue
		}
		dist := absDuration(e.Date.Sub(facts.Date))
		if dist > cfg.DateWindow {
			continue
		}
		if !SameAmount(e.Amount, facts.Amount, facts.Currency) {
			continue
		}
		sim := Similarity(facts.Counterparty, e.Counterparty)
		c := candidate{entry: e, sim: sim, dateDist: dist}
		switch {
		case sim >= cfg.ExactSimilarity:
			exact = append(exact, c)
		case sim >= cfg.CandidateSimilarity:
			fuzzy = append(fuzzy, c)
		}
	}

	if len(exact) > 0 {
		best := pick(exact, 1.0)
		return Result{Status: domain.MatchStatusMatched, EntryID: &best.entry.ID, Score: 1.0}
	}
	if len(fuzzy) == 0 {
		return Result{Status: domain.MatchStatusUnmatched}
	}

	target := 0.0
	for _, c := range fuzzy {
		target = math.Max(target, c.sim)
	}
	best := pick(fuzzy, target)
	status := domain.MatchStatusAmbiguous
	if best.sim >= cfg.ConfidenceThreshold {
		status = domain.MatchStatusMatched
	}
	return Result{Status: status, EntryID: &best.entry.ID, Score: best.sim}
}

// pick orders by date distance, then distance from target similarity, then id.
func pick(cs []candidate, target float64) candidate {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.dateDist != b.dateDist {
			return a.dateDist < b.dateDist
		}
		da, db := math.Abs(target-a.sim), math.Abs(target-b.sim)
		if da != db {
			return da < db
		}
		return bytes.Compare(a.entry.ID[:], b.entry.ID[:]) < 0
	})
	return cs[0]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

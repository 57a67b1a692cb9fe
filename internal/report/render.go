package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
)

const (
	summarySheet = "Summary"
	matchesSheet = "Matches"
)

var matchHeaders = []string{"MatchID", "DocumentID", "Status", "Confidence", "LedgerEntryID", "SupersedesID", "CreatedAt"}

// Render builds the reconciliation workbook for matches created in [from, to).
func Render(tenantID uuid.UUID, from, to time.Time, matches []domain.Match) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(matchesSheet); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}

	counts := make(map[domain.MatchStatus]int)
	for _, m := range matches {
		counts[m.Status]++
	}
	summary := [][]any{
		{"Tenant", tenantID.String()},
		{"PeriodStart", from.UTC().Format(time.RFC3339)},
		{"PeriodEnd", to.UTC().Format(time.RFC3339)},
		{"Total", len(matches)},
		{"Matched", counts[domain.MatchStatusMatched]},
		{"Ambiguous", counts[domain.MatchStatusAmbiguous]},
		{"Unmatched", counts[domain.MatchStatusUnmatched]},
	}
	for i, row := range summary {
		if err := setRow(f, summarySheet, i+1, row); err != nil {
			return nil, err
		}
	}

	header := make([]any, len(matchHeaders))
	for i, h := range matchHeaders {
		header[i] = h
	}
	if err := setRow(f, matchesSheet, 1, header); err != nil {
		return nil, err
	}
	for i, m := range matches {
		row := []any{
			m.ID.String(),
			m.DocumentID.String(),
			string(m.Status),
			m.ConfidenceScore,
			optionalID(m.LedgerEntryID),
			optionalID(m.SupersedesID),
			m.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := setRow(f, matchesSheet, i+2, row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, sheet string, rowNo int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("set %s row %d: %w", sheet, rowNo, err)
	}
	return nil
}

func optionalID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

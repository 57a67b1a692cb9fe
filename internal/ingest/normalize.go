package ingest

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/ocr"
)

// RequiredFields must be extracted with at least the configured confidence.
// Only fields the provider returned are checked. An absent field reaches
// matching, which reports the document as unmatched and notifies a human.
var RequiredFields = []string{
	domain.FieldDate,
	domain.FieldAmount,
	domain.FieldCurrency,
	domain.FieldCounterparty,
}

// Provider field names, lower-cased with separators removed.
var fieldAliases = map[string]string{
	"date":            domain.FieldDate,
	"invoicedate":     domain.FieldDate,
	"issuedate":       domain.FieldDate,
	"transactiondate": domain.FieldDate,
	"receiptdate":     domain.FieldDate,

	"amount":      domain.FieldAmount,
	"total":       domain.FieldAmount,
	"totalamount": domain.FieldAmount,
	"grandtotal":  domain.FieldAmount,
	"amountdue":   domain.FieldAmount,

	"currency":     domain.FieldCurrency,
	"currencycode": domain.FieldCurrency,

	"counterparty": domain.FieldCounterparty,
	"vendor":       domain.FieldCounterparty,
	"vendorname":   domain.FieldCounterparty,
	"merchant":     domain.FieldCounterparty,
	"supplier":     domain.FieldCounterparty,
	"payee":        domain.FieldCounterparty,

	"documentnumber": domain.FieldDocumentNumber,
	"invoicenumber":  domain.FieldDocumentNumber,
	"receiptnumber":  domain.FieldDocumentNumber,
	"invoiceno":      domain.FieldDocumentNumber,
}

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₹": "INR",
	"₩": "KRW",
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006/01/02",
	"02.01.2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

// DateLayout is the canonical format of normalized date values.
const DateLayout = "2006-01-02"

// Normalize maps provider output onto the fixed field schema. Unknown fields
// are dropped; when a field appears twice the more confident reading wins.
// Values that cannot be canonicalized are kept verbatim.
func Normalize(raw []ocr.RawField) []domain.ExtractedField {
	best := make(map[string]domain.ExtractedField)
	var symbolCurrency *domain.ExtractedField

	for _, rf := range raw {
		name, ok := fieldAliases[aliasKey(rf.Name)]
		if !ok {
			continue
		}
		f := domain.ExtractedField{Name: name, Value: strings.TrimSpace(rf.Value), Confidence: clamp(rf.Confidence)}
		switch name {
		case domain.FieldDate:
			f.Value = normalizeDate(f.Value)
		case domain.FieldAmount:
			var symbol string
			f.Value, symbol = normalizeAmount(f.Value)
			if code, ok := currencySymbols[symbol]; ok && symbolCurrency == nil {
				symbolCurrency = &domain.ExtractedField{Name: domain.FieldCurrency, Value: code, Confidence: f.Confidence}
			}
		case domain.FieldCurrency:
			f.Value = normalizeCurrency(f.Value)
		case domain.FieldCounterparty:
			f.Value = strings.Join(strings.Fields(f.Value), " ")
		}
		if prev, ok := best[name]; !ok || f.Confidence > prev.Confidence {
			best[name] = f
		}
	}
	if _, ok := best[domain.FieldCurrency]; !ok && symbolCurrency != nil {
		best[domain.FieldCurrency] = *symbolCurrency
	}

	out := make([]domain.ExtractedField, 0, len(best))
	for _, name := range []string{domain.FieldDate, domain.FieldAmount, domain.FieldCurrency, domain.FieldCounterparty, domain.FieldDocumentNumber} {
		if f, ok := best[name]; ok {
			out = append(out, f)
		}
	}
	return out
}

// LowConfidenceField returns the first required field read below threshold.
// Absent fields are not reported.
func LowConfidenceField(fields []domain.ExtractedField, threshold float64) (string, bool) {
	doc := domain.Document{Fields: fields}
	for _, name := range RequiredFields {
		if f, ok := doc.Field(name); ok && f.Confidence < threshold {
			return name, true
		}
	}
	return "", false
}

func aliasKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func normalizeDate(v string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(DateLayout)
		}
	}
	return v
}

func normalizeCurrency(v string) string {
	if code, ok := currencySymbols[v]; ok {
		return code
	}
	return strings.ToUpper(v)
}

// normalizeAmount canonicalizes "1.234,56 €" or "$1,234.56" to "1234.56" and
// returns the currency symbol it found, if any.
func normalizeAmount(v string) (string, string) {
	var symbol string
	var b strings.Builder
	for _, r := range v {
		switch {
		case unicode.IsDigit(r) || r == '.' || r == ',' || r == '-':
			b.WriteRune(r)
		case unicode.Is(unicode.Sc, r):
			symbol = string(r)
		}
	}
	s := b.String()

	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if len(s)-lastComma-1 == 2 && strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return v, symbol
	}
	return d.String(), symbol
}

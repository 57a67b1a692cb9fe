package reconcile

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ISO 4217 currencies whose minor unit is not 2 digits.
var minorUnits = map[string]int32{
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0, "ISK": 0,
	"BHD": 3, "KWD": 3, "OMR": 3, "JOD": 3, "TND": 3, "IQD": 3, "LYD": 3,
}

// MinorUnit is the number of decimal places used by currency.
func MinorUnit(currency string) int32 {
	if n, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return n
	}
	return 2
}

// SameAmount compares a and b after rounding both to currency's minor unit.
func SameAmount(a, b decimal.Decimal, currency string) bool {
	places := MinorUnit(currency)
	return a.Round(places).Equal(b.Round(places))
}

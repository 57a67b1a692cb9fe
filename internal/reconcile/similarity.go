package reconcile

import (
	"strings"
	"unicode"
)

// Similarity is the Dice coefficient of the two names' token sets, after
// lower-casing and dropping punctuation. It is 0 when either side has no tokens.
func Similarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ta)+len(tb))
}

func tokens(s string) map[string]bool {
	clean := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r) || r == '-' || r == '/' || r == '&':
			return ' '
		}
		return -1
	}, s)
	set := make(map[string]bool)
	for _, f := range strings.Fields(clean) {
		set[f] = true
	}
	return set
}

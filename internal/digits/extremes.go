package digits

import (
	"deriv-digit-bot-go/internal/models"
	"sort"
)

// Exclusion is the number of most and least frequent digits treated as extreme.
type Exclusion struct {
	Top    int
	Bottom int
}

// Percentages converts counts to percentage frequencies. An empty table gives
// all zeros.
func Percentages(counts models.Counts) [10]float64 {
	var pct [10]float64
	total := counts.Total()
	if total == 0 {
		return pct
	}
	for d, c := range counts {
		pct[d] = float64(c) / float64(total) * 100
	}
	return pct
}

// Ranks orders the digits by frequency, descending and ascending. Ties are
// broken by ascending digit value in both orders.
func Ranks(counts models.Counts) (desc, asc []models.Digit) {
	pct := Percentages(counts)
	desc = allDigits()
	asc = allDigits()
	sort.SliceStable(desc, func(i, j int) bool {
		a, b := desc[i], desc[j]
		if pct[a] != pct[b] {
			return pct[a] > pct[b]
		}
		return a < b
	})
	sort.SliceStable(asc, func(i, j int) bool {
		a, b := asc[i], asc[j]
		if pct[a] != pct[b] {
			return pct[a] < pct[b]
		}
		return a < b
	})
	return desc, asc
}

// Excluded returns the set of extreme digits for the given exclusion.
func Excluded(counts models.Counts, ex Exclusion) map[models.Digit]bool {
	desc, asc := Ranks(counts)
	out := make(map[models.Digit]bool, ex.Top+ex.Bottom)
	for _, d := range desc[:clampK(ex.Top)] {
		out[d] = true
	}
	for _, d := range asc[:clampK(ex.Bottom)] {
		out[d] = true
	}
	return out
}

// IsExtreme reports whether d is among the ex.Top most frequent or the
// ex.Bottom least frequent digits of counts.
func IsExtreme(d models.Digit, counts models.Counts, ex Exclusion) bool {
	return Excluded(counts, ex)[d]
}

func allDigits() []models.Digit {
	out := make([]models.Digit, 10)
	for i := range out {
		out[i] = models.Digit(i)
	}
	return out
}

func clampK(k int) int {
	return min(10, max(0, k))
}

// Package transform holds the in-place table passes that run around the
// indicator recalculation: sentinel sanitisation and row reordering.
package transform

import "github.com/johnayoung/go-ohlcv-uploader/internal/models"

// SentinelError is the literal left in cells by failed spreadsheet formulas
const SentinelError = "ERROR:#REF!"

// Sanitize replaces every cell equal to the sentinel marker with the
// missing value and returns the number of cells replaced. Running it twice
// leaves the table unchanged.
func Sanitize(t *models.Table) int {
	replaced := 0
	for _, row := range t.Rows {
		for c, v := range row {
			if s, ok := v.AsString(); ok && s == SentinelError {
				row[c] = models.Missing()
				replaced++
			}
		}
	}
	return replaced
}

// Reverse reverses the row order in place so index N-1 becomes index 0.
func Reverse(t *models.Table) {
	for i, j := 0, len(t.Rows)-1; i < j; i, j = i+1, j-1 {
		t.Rows[i], t.Rows[j] = t.Rows[j], t.Rows[i]
	}
}

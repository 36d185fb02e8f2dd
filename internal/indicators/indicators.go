// Package indicators recomputes the derived indicator columns of a price
// table: On-Balance Volume, True Range and Average True Range.
//
// Every function expects the table in newest-first order (row 0 is the most
// recent period, row N-1 the oldest). Results overwrite whatever the input
// file held for those columns. Accumulation uses decimal arithmetic so long
// running sums do not drift.
//
// "Previous" always means the next-older row and windows always reach back
// in time, whatever the table order. A positional shift or rolling window
// over the newest-first rows would do the opposite: compare each day with
// the following day, average future ranges and leave the 14 newest rows
// without ATR. Here the 14 oldest rows have no ATR instead.
package indicators

import (
	"fmt"
	"math"

	"github.com/johnayoung/go-ohlcv-uploader/internal/models"
	"github.com/shopspring/decimal"
)

// ATRPeriod is the trailing window of the Average True Range
const ATRPeriod = 14

// MissingColumnError reports a source column the recalculation needs
type MissingColumnError struct {
	Indicator string
	Column    string
}

// Error implements the error interface
func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("cannot compute %s: column %q not found", e.Indicator, e.Column)
}

// Recalculate overwrites the OBV, True Range and ATR columns.
func Recalculate(t *models.Table) error {
	if err := OBV(t); err != nil {
		return err
	}
	if err := TrueRange(t); err != nil {
		return err
	}
	return ATR(t, ATRPeriod)
}

// OBV computes On-Balance Volume. The oldest row is seeded with its own
// volume; every newer row adds its volume on an up-close, subtracts it on a
// down-close and carries the previous total on an unchanged close.
// A missing close on either side counts as unchanged. A missing volume
// counts as zero, including the seed, so one gap does not blank out every
// newer total.
func OBV(t *models.Table) error {
	closes, err := column(t, "OBV", models.ColumnClose)
	if err != nil {
		return err
	}
	volumes, err := column(t, "OBV", models.ColumnVolume)
	if err != nil {
		return err
	}

	out := t.EnsureColumn(models.ColumnOBV)
	n := t.Len()
	if n == 0 {
		return nil
	}

	acc := volumeAt(t, volumes, n-1)
	t.Rows[n-1][out] = models.Float(acc.InexactFloat64())

	for i := n - 2; i >= 0; i-- {
		today, okToday := numeric(t.Rows[i][closes])
		prev, okPrev := numeric(t.Rows[i+1][closes])

		if okToday && okPrev {
			switch {
			case today > prev:
				acc = acc.Add(volumeAt(t, volumes, i))
			case today < prev:
				acc = acc.Sub(volumeAt(t, volumes, i))
			}
		}

		t.Rows[i][out] = models.Float(acc.InexactFloat64())
	}

	return nil
}

// TrueRange computes max(high-low, |high-prevClose|, |low-prevClose|) where
// prevClose is the close of the next-older row. The oldest row has no
// previous close and is left missing, as is any row with a missing input.
func TrueRange(t *models.Table) error {
	highs, err := column(t, "True Range", models.ColumnHigh)
	if err != nil {
		return err
	}
	lows, err := column(t, "True Range", models.ColumnLow)
	if err != nil {
		return err
	}
	closes, err := column(t, "True Range", models.ColumnClose)
	if err != nil {
		return err
	}

	out := t.EnsureColumn(models.ColumnTrueRange)
	n := t.Len()

	for i := 0; i < n; i++ {
		t.Rows[i][out] = models.Missing()
		if i == n-1 {
			continue
		}

		high, okHigh := numeric(t.Rows[i][highs])
		low, okLow := numeric(t.Rows[i][lows])
		prevClose, okPrev := numeric(t.Rows[i+1][closes])
		if !okHigh || !okLow || !okPrev {
			continue
		}

		h := decimal.NewFromFloat(high)
		l := decimal.NewFromFloat(low)
		pc := decimal.NewFromFloat(prevClose)

		tr := decimal.Max(h.Sub(l), h.Sub(pc).Abs(), l.Sub(pc).Abs())
		t.Rows[i][out] = models.Float(tr.InexactFloat64())
	}

	return nil
}

// ATR computes the simple moving average of True Range over the period rows
// ending at each row and reaching back in time (rows i..i+period-1). Rows
// without a full window of True Range values are left missing, so the
// period oldest rows never carry an ATR. TrueRange must run first.
func ATR(t *models.Table, period int) error {
	if period <= 0 {
		return fmt.Errorf("ATR period must be positive, got %d", period)
	}

	trs, err := column(t, "ATR", models.ColumnTrueRange)
	if err != nil {
		return err
	}

	out := t.EnsureColumn(models.ColumnATR)
	n := t.Len()
	divisor := decimal.NewFromInt(int64(period))

	for i := 0; i < n; i++ {
		t.Rows[i][out] = models.Missing()
		if i+period > n {
			continue
		}

		sum := decimal.Zero
		complete := true
		for j := i; j < i+period; j++ {
			tr, ok := numeric(t.Rows[j][trs])
			if !ok {
				complete = false
				break
			}
			sum = sum.Add(decimal.NewFromFloat(tr))
		}

		if complete {
			t.Rows[i][out] = models.Float(sum.Div(divisor).InexactFloat64())
		}
	}

	return nil
}

func column(t *models.Table, indicator, name string) (int, error) {
	idx, ok := t.ColumnIndex(name)
	if !ok {
		return 0, &MissingColumnError{Indicator: indicator, Column: name}
	}
	return idx, nil
}

func volumeAt(t *models.Table, col, row int) decimal.Decimal {
	v, ok := numeric(t.Rows[row][col])
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

// numeric extracts a finite number from floats and numeric strings
func numeric(v models.Value) (float64, bool) {
	switch v.Kind() {
	case models.KindFloat, models.KindString:
		f, err := v.ToFloat()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

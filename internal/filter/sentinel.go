package filter

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"tickpipe/internal/table"
)

// NotSentinel keeps rows whose column is non-null and differs from Sentinel.
// Float columns compare against the sentinel converted to float64; NaN is
// kept, as in SQL. Timestamps compare their stored value in the column's own
// unit.
type NotSentinel struct {
	Column   string
	Sentinel int64
}

func (p NotSentinel) Mask(rec arrow.Record) ([]bool, error) {
	col, err := table.ColumnByName(rec, p.Column)
	if err != nil {
		return nil, err
	}
	n := col.Len()
	mask := make([]bool, n)
	switch a := col.(type) {
	case *array.Float64, *array.Float32:
		vals, _, err := table.Float64s(a)
		if err != nil {
			return nil, err
		}
		s := float64(p.Sentinel)
		for i, v := range vals {
			mask[i] = col.IsValid(i) && v != s
		}
	case *array.Timestamp:
		for i, v := range a.TimestampValues() {
			mask[i] = a.IsValid(i) && int64(v) != p.Sentinel
		}
	default:
		vals, _, err := table.Int64s(col)
		if err != nil {
			return nil, fmt.Errorf("not_sentinel %q: %w", p.Column, err)
		}
		for i, v := range vals {
			mask[i] = col.IsValid(i) && v != p.Sentinel
		}
	}
	return mask, nil
}

func (p NotSentinel) SQL() (string, bool) {
	q := `"` + p.Column + `"`
	return q + " IS NOT NULL AND " + q + " <> " + strconv.FormatInt(p.Sentinel, 10), true
}

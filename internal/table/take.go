package table

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Take returns a new record holding rows idx of rec, in idx order. Rows are
// copied as contiguous runs, so monotonic selections stay cheap.
func Take(mem memory.Allocator, rec arrow.Record, idx []int) (arrow.Record, error) {
	runs := toRuns(idx)
	switch len(runs) {
	case 0:
		return rec.NewSlice(0, 0), nil
	case 1:
		return rec.NewSlice(int64(runs[0][0]), int64(runs[0][1])), nil
	}

	cols := make([]arrow.Array, rec.NumCols())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	parts := make([]arrow.Array, len(runs))
	for c := range cols {
		col := rec.Column(c)
		for r, run := range runs {
			parts[r] = array.NewSlice(col, int64(run[0]), int64(run[1]))
		}
		out, err := array.Concatenate(parts, mem)
		for _, p := range parts {
			p.Release()
		}
		if err != nil {
			return nil, fmt.Errorf("take column %q: %w", rec.ColumnName(c), err)
		}
		cols[c] = out
	}
	return array.NewRecord(rec.Schema(), cols, int64(len(idx))), nil
}

// FilterMask keeps the rows of rec where mask is true. When every row is kept
// rec itself is returned with an extra reference.
func FilterMask(mem memory.Allocator, rec arrow.Record, mask []bool) (arrow.Record, error) {
	idx := make([]int, 0, len(mask))
	for i, keep := range mask {
		if keep {
			idx = append(idx, i)
		}
	}
	if len(idx) == int(rec.NumRows()) {
		rec.Retain()
		return rec, nil
	}
	return Take(mem, rec, idx)
}

func toRuns(idx []int) [][2]int {
	var runs [][2]int
	for i := 0; i < len(idx); {
		j := i + 1
		for j < len(idx) && idx[j] == idx[j-1]+1 {
			j++
		}
		runs = append(runs, [2]int{idx[i], idx[j-1] + 1})
		i = j
	}
	return runs
}

// Project returns a record with only the named columns, in the given order.
func Project(rec arrow.Record, names []string) (arrow.Record, error) {
	fields := make([]arrow.Field, len(names))
	cols := make([]arrow.Array, len(names))
	for i, n := range names {
		idx := FieldIndex(rec.Schema(), n)
		if idx < 0 {
			return nil, fmt.Errorf("column %q not found", n)
		}
		fields[i] = rec.Schema().Field(idx)
		cols[i] = rec.Column(idx)
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows()), nil
}

// Without returns a record without the named columns.
func Without(rec arrow.Record, drop []string) (arrow.Record, error) {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	var keep []string
	for _, f := range rec.Schema().Fields() {
		if !skip[f.Name] {
			keep = append(keep, f.Name)
		}
	}
	return Project(rec, keep)
}

// Concat joins records that share a schema into one record.
func Concat(mem memory.Allocator, schema *arrow.Schema, recs []arrow.Record) (arrow.Record, error) {
	if len(recs) == 1 {
		recs[0].Retain()
		return recs[0], nil
	}
	var rows int64
	for _, r := range recs {
		rows += r.NumRows()
	}
	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for c := range cols {
		if len(recs) == 0 {
			b := array.NewBuilder(mem, schema.Field(c).Type)
			cols[c] = b.NewArray()
			b.Release()
			continue
		}
		parts := make([]arrow.Array, len(recs))
		for i, r := range recs {
			parts[i] = r.Column(c)
		}
		out, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, fmt.Errorf("concat column %q: %w", schema.Field(c).Name, err)
		}
		cols[c] = out
	}
	return array.NewRecord(schema, cols, rows), nil
}

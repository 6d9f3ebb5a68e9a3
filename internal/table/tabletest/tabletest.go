// Package tabletest builds Arrow records and reads them back as rows for tests.
package tabletest

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"tickpipe/internal/table"
)

// Col is one test column; nil entries in Values are nulls.
type Col struct {
	Name   string
	Kind   table.Kind
	Values []any
}

// Ints is a KindInt column.
func Ints(name string, vals ...any) Col { return Col{name, table.KindInt, vals} }

// Floats is a KindFloat column.
func Floats(name string, vals ...any) Col { return Col{name, table.KindFloat, vals} }

// Stamps is a KindTimestamp column of nanoseconds.
func Stamps(name string, vals ...any) Col { return Col{name, table.KindTimestamp, vals} }

// Strs is a KindCategory column.
func Strs(name string, vals ...any) Col { return Col{name, table.KindCategory, vals} }

// Schema returns the Arrow schema of cols.
func Schema(cols ...Col) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = table.Column{Name: c.Name, Kind: c.Kind, Nullable: true}.Field()
	}
	return arrow.NewSchema(fields, nil)
}

// Record builds a record from equally long columns.
func Record(t testing.TB, mem memory.Allocator, cols ...Col) arrow.Record {
	t.Helper()
	schema := Schema(cols...)
	arrs := make([]arrow.Array, len(cols))
	n := 0
	for i, c := range cols {
		b := array.NewBuilder(mem, c.Kind.DataType())
		for _, v := range c.Values {
			if iv, ok := v.(int); ok {
				v = int64(iv)
			}
			if err := table.AppendValue(b, v); err != nil {
				t.Fatalf("column %s: %v", c.Name, err)
			}
		}
		arrs[i] = b.NewArray()
		b.Release()
		n = len(c.Values)
	}
	rec := array.NewRecord(schema, arrs, int64(n))
	for _, a := range arrs {
		a.Release()
	}
	return rec
}

// Rows reads every row of rec.
func Rows(t testing.TB, rec arrow.Record) []table.Record {
	t.Helper()
	out := make([]table.Record, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		r, err := table.RowAt(rec, i, nil)
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		out = append(out, r)
	}
	return out
}

// Drain collects every row of s and closes it.
func Drain(t testing.TB, s table.Stream) []table.Record {
	t.Helper()
	recs, err := table.Collect(context.Background(), s)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	defer table.Release(recs)
	var out []table.Record
	for _, r := range recs {
		out = append(out, Rows(t, r)...)
	}
	return out
}

// Column extracts one column from rows.
func Column(rows []table.Record, name string) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r[name]
	}
	return out
}

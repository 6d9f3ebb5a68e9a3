// Package filter implements the Row/Column Filter stage. A Predicate yields a
// boolean mask per batch; Filter keeps exactly the rows where the mask is true
// and preserves their order. Predicates that can be rendered as SQL also
// implement Pushdown so a SQL-backed reader can apply them during the scan.
package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"tickpipe/internal/pipeerr"
	"tickpipe/internal/table"
)

const stage = "filter"

// Predicate is a side-effect-free boolean function over rows.
type Predicate interface {
	// Mask returns one entry per row of rec; true keeps the row.
	Mask(rec arrow.Record) ([]bool, error)
}

// Pushdown is implemented by predicates with an equivalent SQL expression.
type Pushdown interface {
	SQL() (string, bool)
}

// SQL returns p's SQL rendering when p supports pushdown.
func SQL(p Predicate) (string, bool) {
	if pd, ok := p.(Pushdown); ok {
		return pd.SQL()
	}
	return "", false
}

// And is the conjunction of predicates. An empty And keeps every row.
func And(ps ...Predicate) Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return and(ps)
}

type and []Predicate

func (a and) Mask(rec arrow.Record) ([]bool, error) {
	mask := make([]bool, rec.NumRows())
	for i := range mask {
		mask[i] = true
	}
	for _, p := range a {
		m, err := p.Mask(rec)
		if err != nil {
			return nil, err
		}
		for i := range mask {
			mask[i] = mask[i] && m[i]
		}
	}
	return mask, nil
}

func (a and) SQL() (string, bool) {
	if len(a) == 0 {
		return "TRUE", true
	}
	parts := make([]string, len(a))
	for i, p := range a {
		s, ok := SQL(p)
		if !ok {
			return "", false
		}
		parts[i] = "(" + s + ")"
	}
	return strings.Join(parts, " AND "), true
}

// Filter returns a stream of the rows of s for which p is true. Batches are
// evaluated as they are pulled; batches left empty are skipped.
func Filter(s table.Stream, p Predicate) table.Stream {
	return &stream{src: s, pred: p, mem: memory.DefaultAllocator}
}

type stream struct {
	src  table.Stream
	pred Predicate
	mem  memory.Allocator

	in, out int64
}

func (f *stream) Schema() *arrow.Schema { return f.src.Schema() }

func (f *stream) Next(ctx context.Context) (arrow.Record, error) {
	for {
		rec, err := f.src.Next(ctx)
		if err != nil {
			return nil, err
		}
		mask, err := f.pred.Mask(rec)
		if err != nil {
			rec.Release()
			return nil, pipeerr.New(pipeerr.ConfigError, stage, "", err)
		}
		out, err := table.FilterMask(f.mem, rec, mask)
		rec.Release()
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		f.in += int64(len(mask))
		f.out += out.NumRows()
		if out.NumRows() == 0 {
			out.Release()
			continue
		}
		return out, nil
	}
}

func (f *stream) Close() error { return f.src.Close() }

// Counts returns rows seen and rows kept by a stream built with Filter.
func Counts(s table.Stream) (in, kept int64, ok bool) {
	f, ok := s.(*stream)
	if !ok {
		return 0, 0, false
	}
	return f.in, f.out, true
}

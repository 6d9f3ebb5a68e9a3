package transform

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"tickpipe/internal/config"
	"tickpipe/internal/table"
)

// evaluator applies a whole Spec to one batch. The returned record keeps
// every input row; failures are reported to errs.
type evaluator func(mem memory.Allocator, spec Spec, p *plan, rec arrow.Record, errs *RowErrors, failFast bool) (arrow.Record, error)

var evaluators = map[string]evaluator{
	config.StrategyRow:      evalRows,
	config.StrategyFrame:    evalFrame,
	config.StrategyColumnar: evalColumnar,
}

// granularity describes a strategy for the start-of-stage log line.
var granularity = map[string]string{
	config.StrategyRow:      "per-row records",
	config.StrategyFrame:    "in-memory frame per batch",
	config.StrategyColumnar: "vectorized over arrow buffers",
}

func evalRows(mem memory.Allocator, spec Spec, p *plan, rec arrow.Record, errs *RowErrors, failFast bool) (arrow.Record, error) {
	n := int(rec.NumRows())
	rows := make([]table.Record, n)
	for i := range rows {
		r, err := table.RowAt(rec, i, p.needed)
		if err != nil {
			return nil, err
		}
		for _, d := range spec {
			if err := d.ApplyRow(r); err != nil {
				errs.Add(i, err)
				break
			}
		}
		if failFast && errs.count > 0 {
			return nil, errs.first
		}
		rows[i] = r
	}
	return assemble(mem, p, rec, func(f arrow.Field) (arrow.Array, error) {
		b := array.NewBuilder(mem, f.Type)
		defer b.Release()
		b.Reserve(n)
		for i, r := range rows {
			if errs.Bad(i) {
				b.AppendNull()
				continue
			}
			if err := table.AppendValue(b, r[f.Name]); err != nil {
				return nil, fmt.Errorf("column %q: %w", f.Name, err)
			}
		}
		return b.NewArray(), nil
	})
}

func evalFrame(mem memory.Allocator, spec Spec, p *plan, rec arrow.Record, errs *RowErrors, _ bool) (arrow.Record, error) {
	f, err := table.FrameFromRecord(rec, p.needed)
	if err != nil {
		return nil, err
	}
	for _, d := range spec {
		if err := d.ApplyFrame(f, errs); err != nil {
			return nil, err
		}
	}
	return assemble(mem, p, rec, func(field arrow.Field) (arrow.Array, error) {
		s, ok := f.Col(field.Name)
		if !ok {
			return nil, fmt.Errorf("column %q missing from frame", field.Name)
		}
		return s.Array(mem)
	})
}

func evalColumnar(mem memory.Allocator, spec Spec, _ *plan, rec arrow.Record, errs *RowErrors, _ bool) (arrow.Record, error) {
	cur := rec
	cur.Retain()
	for _, d := range spec {
		next, err := d.ApplyArrow(mem, cur, errs)
		cur.Release()
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// assemble lays out p.out, carrying lineage columns over from rec and
// building derived ones with build.
func assemble(mem memory.Allocator, p *plan, rec arrow.Record, build func(arrow.Field) (arrow.Array, error)) (arrow.Record, error) {
	cols := make([]arrow.Array, p.out.NumFields())
	var owned []arrow.Array
	defer func() {
		for _, a := range owned {
			a.Release()
		}
	}()
	for i, f := range p.out.Fields() {
		if !p.derived(f.Name) {
			c, err := table.ColumnByName(rec, p.lineage[f.Name])
			if err != nil {
				return nil, err
			}
			cols[i] = c
			continue
		}
		a, err := build(f)
		if err != nil {
			return nil, err
		}
		owned = append(owned, a)
		cols[i] = a
	}
	return array.NewRecord(p.out, cols, rec.NumRows()), nil
}

// apply runs eval over rec and enforces the error policy. It returns the
// output batch and the number of rows dropped.
func apply(mem memory.Allocator, eval evaluator, spec Spec, p *plan, rec arrow.Record, failFast bool) (arrow.Record, int, error) {
	errs := newRowErrors(int(rec.NumRows()))
	out, err := eval(mem, spec, p, rec, errs, failFast)
	if err != nil {
		return nil, 0, err
	}
	if errs.count == 0 {
		return out, 0, nil
	}
	if failFast {
		out.Release()
		return nil, 0, errs.first
	}
	keep := make([]bool, len(errs.bad))
	for i, b := range errs.bad {
		keep[i] = !b
	}
	kept, err := table.FilterMask(mem, out, keep)
	out.Release()
	if err != nil {
		return nil, 0, err
	}
	return kept, errs.count, nil
}

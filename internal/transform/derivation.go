package transform

import (
	"fmt"
	"math"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/text/unicode/norm"

	"tickpipe/internal/pipeerr"
	"tickpipe/internal/table"
)

// Derivation is one step of a Spec. Every step implements all three
// evaluation granularities and they must agree value for value.
type Derivation interface {
	Kind() string

	// Inputs lists the columns whose values the step reads.
	Inputs() []string

	// Produces lists the columns the step computes.
	Produces() []string

	// Plan returns the schema after the step is applied to in.
	Plan(in *arrow.Schema) (*arrow.Schema, error)

	// ApplyRow evaluates the step on one record in place.
	ApplyRow(r table.Record) error

	// ApplyFrame evaluates the step over a frame. Row-level failures are
	// reported to errs and leave nulls behind.
	ApplyFrame(f *table.Frame, errs *RowErrors) error

	// ApplyArrow evaluates the step over Arrow buffers and returns a new
	// record; rec is left untouched.
	ApplyArrow(mem memory.Allocator, rec arrow.Record, errs *RowErrors) (arrow.Record, error)
}

// RowErrors collects row-level failures of a batch.
type RowErrors struct {
	bad   []bool
	count int
	first error
}

func newRowErrors(n int) *RowErrors { return &RowErrors{bad: make([]bool, n)} }

// Add records a failure at row.
func (e *RowErrors) Add(row int, err error) {
	if e.bad[row] {
		return
	}
	e.bad[row] = true
	e.count++
	if e.first == nil {
		e.first = fmt.Errorf("row %d: %w", row, err)
	}
}

// Bad reports whether row has failed.
func (e *RowErrors) Bad(row int) bool { return e.bad[row] }

// ---------------------------------------------------------------------------
// Schema helpers
// ---------------------------------------------------------------------------

func requireField(in *arrow.Schema, name string, kinds ...table.Kind) (arrow.Field, error) {
	i := table.FieldIndex(in, name)
	if i < 0 {
		return arrow.Field{}, fmt.Errorf("input column %q does not exist", name)
	}
	f := in.Field(i)
	k, ok := table.KindOf(f.Type)
	if !ok {
		return f, fmt.Errorf("column %q has unsupported type %s", name, f.Type)
	}
	for _, want := range kinds {
		if k == want {
			return f, nil
		}
	}
	return f, fmt.Errorf("column %q is %s, want one of %v", name, k, kinds)
}

// withField replaces the same-named field in place or appends it.
func withField(fields []arrow.Field, f arrow.Field) []arrow.Field {
	for i := range fields {
		if fields[i].Name == f.Name {
			fields[i] = f
			return fields
		}
	}
	return append(fields, f)
}

func floatField(name string) arrow.Field {
	return table.Column{Name: name, Kind: table.KindFloat, Nullable: true}.Field()
}

// replaceColumns builds a record with schema out, taking named arrays from
// added and everything else from rec.
func replaceColumns(rec arrow.Record, out *arrow.Schema, added map[string]arrow.Array) (arrow.Record, error) {
	cols := make([]arrow.Array, out.NumFields())
	for i, f := range out.Fields() {
		if a, ok := added[f.Name]; ok {
			cols[i] = a
			continue
		}
		c, err := table.ColumnByName(rec, f.Name)
		if err != nil {
			return nil, err
		}
		cols[i] = c
	}
	return array.NewRecord(out, cols, rec.NumRows()), nil
}

func releaseAll(m map[string]arrow.Array) {
	for _, a := range m {
		a.Release()
	}
}

// ---------------------------------------------------------------------------
// Cyclical time
// ---------------------------------------------------------------------------

// Cyclical encodes a nanosecond timestamp as its position on the daily
// circle: fraction = (ts mod day) / day, returning cos and sin of 2π·fraction.
// Negative timestamps wrap into [0, day).
func Cyclical(ts int64) (cos, sin float64) {
	m := ts % table.NanosPerDay
	if m < 0 {
		m += table.NanosPerDay
	}
	frac := float64(m) / float64(table.NanosPerDay)
	s, c := math.Sincos(2 * math.Pi * frac)
	return c, s
}

// CyclicalTime derives <prefix>_cos and <prefix>_sin from a timestamp column.
type CyclicalTime struct {
	Input    string
	Cos, Sin string
}

func (d *CyclicalTime) Kind() string       { return "cyclical_time" }
func (d *CyclicalTime) Inputs() []string   { return []string{d.Input} }
func (d *CyclicalTime) Produces() []string { return []string{d.Cos, d.Sin} }

func (d *CyclicalTime) Plan(in *arrow.Schema) (*arrow.Schema, error) {
	if _, err := requireField(in, d.Input, table.KindTimestamp, table.KindInt); err != nil {
		return nil, err
	}
	fields := append([]arrow.Field(nil), in.Fields()...)
	fields = withField(fields, floatField(d.Cos))
	fields = withField(fields, floatField(d.Sin))
	return arrow.NewSchema(fields, nil), nil
}

func (d *CyclicalTime) ApplyRow(r table.Record) error {
	v := r[d.Input]
	if v == nil {
		r[d.Cos], r[d.Sin] = nil, nil
		return nil
	}
	ts, ok := v.(int64)
	if !ok {
		return fmt.Errorf("cyclical_time: %q is %T, want int64", d.Input, v)
	}
	r[d.Cos], r[d.Sin] = Cyclical(ts)
	return nil
}

func (d *CyclicalTime) ApplyFrame(f *table.Frame, _ *RowErrors) error {
	in, ok := f.Col(d.Input)
	if !ok {
		return fmt.Errorf("cyclical_time: column %q not in frame", d.Input)
	}
	c := table.NewSeries(d.Cos, table.KindFloat, f.Len)
	s := table.NewSeries(d.Sin, table.KindFloat, f.Len)
	for i, ts := range in.Ints {
		if in.IsNull(i) {
			c.SetNull(i, f.Len)
			s.SetNull(i, f.Len)
			continue
		}
		c.Floats[i], s.Floats[i] = Cyclical(ts)
	}
	f.Set(c)
	f.Set(s)
	return nil
}

func (d *CyclicalTime) ApplyArrow(mem memory.Allocator, rec arrow.Record, _ *RowErrors) (arrow.Record, error) {
	out, err := d.Plan(rec.Schema())
	if err != nil {
		return nil, err
	}
	col, err := table.ColumnByName(rec, d.Input)
	if err != nil {
		return nil, err
	}
	ts, valid, err := table.Int64s(col)
	if err != nil {
		return nil, err
	}
	cos := make([]float64, len(ts))
	sin := make([]float64, len(ts))
	for i, t := range ts {
		cos[i], sin[i] = Cyclical(t)
	}
	added := map[string]arrow.Array{
		d.Cos: table.NewFloat64Array(mem, cos, valid),
		d.Sin: table.NewFloat64Array(mem, sin, valid),
	}
	defer releaseAll(added)
	return replaceColumns(rec, out, added)
}

// ---------------------------------------------------------------------------
// Midpoint
// ---------------------------------------------------------------------------

// Midpoint derives (buy + sell) / 2. A null on either side yields null.
type Midpoint struct {
	Buy, Sell, Output string
}

func (d *Midpoint) Kind() string       { return "midpoint" }
func (d *Midpoint) Inputs() []string   { return []string{d.Buy, d.Sell} }
func (d *Midpoint) Produces() []string { return []string{d.Output} }

func (d *Midpoint) Plan(in *arrow.Schema) (*arrow.Schema, error) {
	for _, c := range []string{d.Buy, d.Sell} {
		if _, err := requireField(in, c, table.KindFloat, table.KindInt); err != nil {
			return nil, err
		}
	}
	fields := withField(append([]arrow.Field(nil), in.Fields()...), floatField(d.Output))
	return arrow.NewSchema(fields, nil), nil
}

func mid(buy, sell float64) float64 { return (buy + sell) / 2 }

func (d *Midpoint) ApplyRow(r table.Record) error {
	b, s := r[d.Buy], r[d.Sell]
	if b == nil || s == nil {
		r[d.Output] = nil
		return nil
	}
	bf, ok1 := table.ToFloat64(b)
	sf, ok2 := table.ToFloat64(s)
	if !ok1 || !ok2 {
		return fmt.Errorf("midpoint: non-numeric inputs %T, %T", b, s)
	}
	r[d.Output] = mid(bf, sf)
	return nil
}

func (d *Midpoint) ApplyFrame(f *table.Frame, _ *RowErrors) error {
	buy, ok1 := f.Col(d.Buy)
	sell, ok2 := f.Col(d.Sell)
	if !ok1 || !ok2 {
		return fmt.Errorf("midpoint: columns %q/%q not in frame", d.Buy, d.Sell)
	}
	bv, sv := asFloats(buy), asFloats(sell)
	out := table.NewSeries(d.Output, table.KindFloat, f.Len)
	for i := range out.Floats {
		if buy.IsNull(i) || sell.IsNull(i) {
			out.SetNull(i, f.Len)
			continue
		}
		out.Floats[i] = mid(bv[i], sv[i])
	}
	f.Set(out)
	return nil
}

func asFloats(s *table.Series) []float64 {
	if s.Kind == table.KindFloat {
		return s.Floats
	}
	out := make([]float64, len(s.Ints))
	for i, v := range s.Ints {
		out[i] = float64(v)
	}
	return out
}

func (d *Midpoint) ApplyArrow(mem memory.Allocator, rec arrow.Record, _ *RowErrors) (arrow.Record, error) {
	out, err := d.Plan(rec.Schema())
	if err != nil {
		return nil, err
	}
	bc, _ := table.ColumnByName(rec, d.Buy)
	sc, _ := table.ColumnByName(rec, d.Sell)
	buy, bvalid, err := table.Float64s(bc)
	if err != nil {
		return nil, err
	}
	sell, svalid, err := table.Float64s(sc)
	if err != nil {
		return nil, err
	}
	vals := make([]float64, len(buy))
	for i := range vals {
		vals[i] = mid(buy[i], sell[i])
	}
	var valid []bool
	if bvalid != nil || svalid != nil {
		valid = make([]bool, len(vals))
		for i := range valid {
			valid[i] = (bvalid == nil || bvalid[i]) && (svalid == nil || svalid[i])
		}
	}
	added := map[string]arrow.Array{d.Output: table.NewFloat64Array(mem, vals, valid)}
	defer releaseAll(added)
	return replaceColumns(rec, out, added)
}

// ---------------------------------------------------------------------------
// Category
// ---------------------------------------------------------------------------

// Category re-encodes strings as integers through a fixed lookup table.
// Values absent from the table fail with UnknownCategory when Strict, and
// become null otherwise. Normalize trims and NFC-normalizes values (and the
// table keys) before lookup.
type Category struct {
	Input, Output string
	Strict        bool
	Normalize     bool

	table map[string]int64
}

// NewCategory builds a Category step over table.
func NewCategory(input, output string, tbl map[string]int64, strict, normalize bool) *Category {
	c := &Category{Input: input, Output: output, Strict: strict, Normalize: normalize, table: make(map[string]int64, len(tbl))}
	for k, v := range tbl {
		c.table[c.key(k)] = v
	}
	return c
}

func (d *Category) key(s string) string {
	if !d.Normalize {
		return s
	}
	return norm.NFC.String(strings.TrimSpace(s))
}

func (d *Category) Kind() string       { return "category" }
func (d *Category) Inputs() []string   { return []string{d.Input} }
func (d *Category) Produces() []string { return []string{d.Output} }

func (d *Category) Plan(in *arrow.Schema) (*arrow.Schema, error) {
	if _, err := requireField(in, d.Input, table.KindCategory); err != nil {
		return nil, err
	}
	f := table.Column{Name: d.Output, Kind: table.KindInt, Nullable: true}.Field()
	return arrow.NewSchema(withField(append([]arrow.Field(nil), in.Fields()...), f), nil), nil
}

// lookup returns the code of s; ok is false for a lenient miss.
func (d *Category) lookup(s string) (code int64, ok bool, err error) {
	code, ok = d.table[d.key(s)]
	if ok {
		return code, true, nil
	}
	if d.Strict {
		return 0, false, pipeerr.Newf(pipeerr.UnknownCategory, stage, d.Input, "value %q not in lookup table", s)
	}
	return 0, false, nil
}

func (d *Category) ApplyRow(r table.Record) error {
	v := r[d.Input]
	if v == nil {
		r[d.Output] = nil
		return nil
	}
	s, isStr := v.(string)
	if !isStr {
		return fmt.Errorf("category: %q is %T, want string", d.Input, v)
	}
	code, ok, err := d.lookup(s)
	if err != nil {
		return err
	}
	if !ok {
		r[d.Output] = nil
		return nil
	}
	r[d.Output] = code
	return nil
}

func (d *Category) ApplyFrame(f *table.Frame, errs *RowErrors) error {
	in, ok := f.Col(d.Input)
	if !ok {
		return fmt.Errorf("category: column %q not in frame", d.Input)
	}
	out := table.NewSeries(d.Output, table.KindInt, f.Len)
	for i, s := range in.Strings {
		if in.IsNull(i) {
			out.SetNull(i, f.Len)
			continue
		}
		code, ok, err := d.lookup(s)
		if err != nil {
			errs.Add(i, err)
		}
		if !ok {
			out.SetNull(i, f.Len)
			continue
		}
		out.Ints[i] = code
	}
	f.Set(out)
	return nil
}

func (d *Category) ApplyArrow(mem memory.Allocator, rec arrow.Record, errs *RowErrors) (arrow.Record, error) {
	out, err := d.Plan(rec.Schema())
	if err != nil {
		return nil, err
	}
	col, _ := table.ColumnByName(rec, d.Input)
	strs, valid, err := table.Strings(col)
	if err != nil {
		return nil, err
	}
	codes := make([]int64, len(strs))
	mask := make([]bool, len(strs))
	for i, s := range strs {
		if valid != nil && !valid[i] {
			continue
		}
		code, ok, err := d.lookup(s)
		if err != nil {
			errs.Add(i, err)
		}
		codes[i], mask[i] = code, ok
	}
	added := map[string]arrow.Array{d.Output: table.NewInt64Array(mem, codes, mask)}
	defer releaseAll(added)
	return replaceColumns(rec, out, added)
}

// ---------------------------------------------------------------------------
// Rename and drop
// ---------------------------------------------------------------------------

// Rename renames a column in place, keeping its position and values.
type Rename struct {
	From, To string
}

func (d *Rename) Kind() string       { return "rename" }
func (d *Rename) Inputs() []string   { return nil }
func (d *Rename) Produces() []string { return nil }

func (d *Rename) Plan(in *arrow.Schema) (*arrow.Schema, error) {
	i := table.FieldIndex(in, d.From)
	if i < 0 {
		return nil, fmt.Errorf("rename: column %q does not exist", d.From)
	}
	if d.From != d.To && table.FieldIndex(in, d.To) >= 0 {
		return nil, fmt.Errorf("rename: column %q already exists", d.To)
	}
	fields := append([]arrow.Field(nil), in.Fields()...)
	fields[i].Name = d.To
	return arrow.NewSchema(fields, nil), nil
}

func (d *Rename) ApplyRow(r table.Record) error {
	if v, ok := r[d.From]; ok {
		delete(r, d.From)
		r[d.To] = v
	}
	return nil
}

func (d *Rename) ApplyFrame(f *table.Frame, _ *RowErrors) error {
	f.Rename(d.From, d.To)
	return nil
}

func (d *Rename) ApplyArrow(_ memory.Allocator, rec arrow.Record, _ *RowErrors) (arrow.Record, error) {
	out, err := d.Plan(rec.Schema())
	if err != nil {
		return nil, err
	}
	return array.NewRecord(out, rec.Columns(), rec.NumRows()), nil
}

// Drop removes columns.
type Drop struct {
	Columns []string
}

func (d *Drop) Kind() string       { return "drop" }
func (d *Drop) Inputs() []string   { return nil }
func (d *Drop) Produces() []string { return nil }

func (d *Drop) Plan(in *arrow.Schema) (*arrow.Schema, error) {
	skip := map[string]bool{}
	for _, c := range d.Columns {
		if table.FieldIndex(in, c) < 0 {
			return nil, fmt.Errorf("drop: column %q does not exist", c)
		}
		skip[c] = true
	}
	var fields []arrow.Field
	for _, f := range in.Fields() {
		if !skip[f.Name] {
			fields = append(fields, f)
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

func (d *Drop) ApplyRow(r table.Record) error {
	for _, c := range d.Columns {
		delete(r, c)
	}
	return nil
}

func (d *Drop) ApplyFrame(f *table.Frame, _ *RowErrors) error {
	for _, c := range d.Columns {
		f.Drop(c)
	}
	return nil
}

func (d *Drop) ApplyArrow(_ memory.Allocator, rec arrow.Record, _ *RowErrors) (arrow.Record, error) {
	if _, err := d.Plan(rec.Schema()); err != nil {
		return nil, err
	}
	return table.Without(rec, d.Columns)
}

package table

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Series is one column of a Frame held in plain Go slices. Only the slice
// matching Kind is populated. Valid is nil when the series has no nulls.
type Series struct {
	Name    string
	Kind    Kind
	Ints    []int64 // KindInt, KindTimestamp
	Floats  []float64
	Strings []string
	Bools   []bool
	Valid   []bool
}

// NewSeries allocates an n-row series of the given kind with no nulls.
func NewSeries(name string, kind Kind, n int) *Series {
	s := &Series{Name: name, Kind: kind}
	switch kind {
	case KindInt, KindTimestamp:
		s.Ints = make([]int64, n)
	case KindFloat:
		s.Floats = make([]float64, n)
	case KindCategory:
		s.Strings = make([]string, n)
	case KindBool:
		s.Bools = make([]bool, n)
	}
	return s
}

// IsNull reports whether row i is null.
func (s *Series) IsNull(i int) bool {
	return s.Valid != nil && !s.Valid[i]
}

// SetNull marks row i null, allocating the validity slice on first use.
func (s *Series) SetNull(i, n int) {
	if s.Valid == nil {
		s.Valid = make([]bool, n)
		for j := range s.Valid {
			s.Valid[j] = true
		}
	}
	s.Valid[i] = false
}

// Array converts s to an Arrow array.
func (s *Series) Array(mem memory.Allocator) (arrow.Array, error) {
	switch s.Kind {
	case KindInt:
		return NewInt64Array(mem, s.Ints, s.Valid), nil
	case KindFloat:
		return NewFloat64Array(mem, s.Floats, s.Valid), nil
	case KindTimestamp:
		b := array.NewTimestampBuilder(mem, TimestampType)
		defer b.Release()
		vals := make([]arrow.Timestamp, len(s.Ints))
		for i, v := range s.Ints {
			vals[i] = arrow.Timestamp(v)
		}
		b.AppendValues(vals, s.Valid)
		return b.NewArray(), nil
	case KindCategory:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.AppendValues(s.Strings, s.Valid)
		return b.NewArray(), nil
	case KindBool:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		b.AppendValues(s.Bools, s.Valid)
		return b.NewArray(), nil
	}
	return nil, fmt.Errorf("series %q: unsupported kind %s", s.Name, s.Kind)
}

// Frame is a Go-native columnar table: a set of equally long Series. It is
// the in-memory form used by the frame strategy.
type Frame struct {
	Len   int
	cols  []*Series
	index map[string]int
}

// NewFrame returns an empty frame of n rows.
func NewFrame(n int) *Frame {
	return &Frame{Len: n, index: map[string]int{}}
}

// FrameFromRecord materializes the named columns of rec.
func FrameFromRecord(rec arrow.Record, names []string) (*Frame, error) {
	f := NewFrame(int(rec.NumRows()))
	for _, n := range names {
		if _, ok := f.index[n]; ok {
			continue
		}
		arr, err := ColumnByName(rec, n)
		if err != nil {
			return nil, err
		}
		s, err := seriesOf(n, arr)
		if err != nil {
			return nil, err
		}
		f.Set(s)
	}
	return f, nil
}

func seriesOf(name string, arr arrow.Array) (*Series, error) {
	kind, ok := KindOf(arr.DataType())
	if !ok {
		return nil, fmt.Errorf("column %q: unsupported type %s", name, arr.DataType())
	}
	s := &Series{Name: name, Kind: kind}
	var err error
	switch kind {
	case KindInt, KindTimestamp:
		var vals []int64
		vals, s.Valid, err = Int64s(arr)
		s.Ints = append([]int64(nil), vals...)
	case KindFloat:
		var vals []float64
		vals, s.Valid, err = Float64s(arr)
		s.Floats = append([]float64(nil), vals...)
	case KindCategory:
		s.Strings, s.Valid, err = Strings(arr)
	case KindBool:
		s.Bools, s.Valid, err = Bools(arr)
	}
	if err != nil {
		return nil, fmt.Errorf("column %q: %w", name, err)
	}
	return s, nil
}

// Col returns the named series.
func (f *Frame) Col(name string) (*Series, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.cols[i], true
}

// Set adds s, replacing any series of the same name in place.
func (f *Frame) Set(s *Series) {
	if i, ok := f.index[s.Name]; ok {
		f.cols[i] = s
		return
	}
	f.index[s.Name] = len(f.cols)
	f.cols = append(f.cols, s)
}

// Rename renames a series; it is a no-op when from is absent.
func (f *Frame) Rename(from, to string) {
	i, ok := f.index[from]
	if !ok {
		return
	}
	delete(f.index, from)
	f.cols[i].Name = to
	f.index[to] = i
}

// Drop removes a series.
func (f *Frame) Drop(name string) {
	i, ok := f.index[name]
	if !ok {
		return
	}
	f.cols = append(f.cols[:i], f.cols[i+1:]...)
	delete(f.index, name)
	for j := i; j < len(f.cols); j++ {
		f.index[f.cols[j].Name] = j
	}
}

// Names lists the series in order.
func (f *Frame) Names() []string {
	out := make([]string, len(f.cols))
	for i, s := range f.cols {
		out[i] = s.Name
	}
	return out
}

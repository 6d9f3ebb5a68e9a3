package table

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Int64s exposes an integer or timestamp array as int64 values (timestamps in
// nanoseconds) plus a validity slice, nil when the array has no nulls. Int64
// and nanosecond timestamp arrays are returned without copying.
func Int64s(arr arrow.Array) ([]int64, []bool, error) {
	valid := validity(arr)
	switch a := arr.(type) {
	case *array.Int64:
		return a.Int64Values(), valid, nil
	case *array.Timestamp:
		vals := a.TimestampValues()
		f := TimestampFactor(a.DataType().(*arrow.TimestampType).Unit)
		out := make([]int64, len(vals))
		for i, v := range vals {
			out[i] = int64(v) * f
		}
		return out, valid, nil
	}
	out := make([]int64, arr.Len())
	for i := range out {
		v, err := ValueAt(arr, i)
		if err != nil {
			return nil, nil, err
		}
		if v == nil {
			continue
		}
		n, ok := v.(int64)
		if !ok {
			return nil, nil, fmt.Errorf("want integer column, got %s", arr.DataType())
		}
		out[i] = n
	}
	return out, valid, nil
}

// Float64s exposes a numeric array as float64 values plus validity. Float64
// arrays are returned without copying.
func Float64s(arr arrow.Array) ([]float64, []bool, error) {
	valid := validity(arr)
	switch a := arr.(type) {
	case *array.Float64:
		return a.Float64Values(), valid, nil
	case *array.Int64:
		vals := a.Int64Values()
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = float64(v)
		}
		return out, valid, nil
	}
	out := make([]float64, arr.Len())
	for i := range out {
		v, err := ValueAt(arr, i)
		if err != nil {
			return nil, nil, err
		}
		if v == nil {
			continue
		}
		f, ok := ToFloat64(v)
		if !ok {
			return nil, nil, fmt.Errorf("want numeric column, got %s", arr.DataType())
		}
		out[i] = f
	}
	return out, valid, nil
}

// Strings exposes a string-like array as Go strings plus validity.
func Strings(arr arrow.Array) ([]string, []bool, error) {
	valid := validity(arr)
	out := make([]string, arr.Len())
	if a, ok := arr.(*array.String); ok {
		for i := range out {
			out[i] = a.Value(i)
		}
		return out, valid, nil
	}
	for i := range out {
		v, err := ValueAt(arr, i)
		if err != nil {
			return nil, nil, err
		}
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, nil, fmt.Errorf("want string column, got %s", arr.DataType())
		}
		out[i] = s
	}
	return out, valid, nil
}

// Bools exposes a boolean array as Go bools plus validity.
func Bools(arr arrow.Array) ([]bool, []bool, error) {
	a, ok := arr.(*array.Boolean)
	if !ok {
		return nil, nil, fmt.Errorf("want bool column, got %s", arr.DataType())
	}
	out := make([]bool, a.Len())
	for i := range out {
		out[i] = a.Value(i)
	}
	return out, validity(arr), nil
}

func validity(arr arrow.Array) []bool {
	if arr.NullN() == 0 {
		return nil
	}
	v := make([]bool, arr.Len())
	for i := range v {
		v[i] = arr.IsValid(i)
	}
	return v
}

// NewFloat64Array builds a float64 array; valid may be nil for no nulls.
func NewFloat64Array(mem memory.Allocator, vals []float64, valid []bool) arrow.Array {
	b := array.NewFloat64Builder(mem)
	defer b.Release()
	b.AppendValues(vals, valid)
	return b.NewArray()
}

// NewInt64Array builds an int64 array; valid may be nil for no nulls.
func NewInt64Array(mem memory.Allocator, vals []int64, valid []bool) arrow.Array {
	b := array.NewInt64Builder(mem)
	defer b.Release()
	b.AppendValues(vals, valid)
	return b.NewArray()
}

// NewConstant builds an array of n copies of v (nil for nulls) of the given kind.
func NewConstant(mem memory.Allocator, kind Kind, v any, n int) (arrow.Array, error) {
	b := array.NewBuilder(mem, kind.DataType())
	defer b.Release()
	b.Reserve(n)
	for i := 0; i < n; i++ {
		if err := AppendValue(b, v); err != nil {
			return nil, err
		}
	}
	return b.NewArray(), nil
}

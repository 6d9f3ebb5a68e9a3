package table

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Record is one row keyed by column name. Values are int64, float64, string,
// bool, or nil for null. Timestamps are int64 nanoseconds.
type Record map[string]any

// ValueAt returns the i-th value of arr as a Record value.
func ValueAt(arr arrow.Array, i int) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(i), nil
	case *array.Int32:
		return int64(a.Value(i)), nil
	case *array.Int16:
		return int64(a.Value(i)), nil
	case *array.Int8:
		return int64(a.Value(i)), nil
	case *array.Uint64:
		return int64(a.Value(i)), nil
	case *array.Uint32:
		return int64(a.Value(i)), nil
	case *array.Uint16:
		return int64(a.Value(i)), nil
	case *array.Uint8:
		return int64(a.Value(i)), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.Float32:
		return float64(a.Value(i)), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Binary:
		return string(a.Value(i)), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return int64(a.Value(i)) * TimestampFactor(unit), nil
	case *array.Dictionary:
		return ValueAt(a.Dictionary(), a.GetValueIndex(i))
	}
	return nil, fmt.Errorf("unsupported array type %s", arr.DataType())
}

// RowAt materializes row i of rec over the given columns (all when nil).
func RowAt(rec arrow.Record, i int, names []string) (Record, error) {
	schema := rec.Schema()
	r := make(Record, len(names))
	if names == nil {
		for c, f := range schema.Fields() {
			v, err := ValueAt(rec.Column(c), i)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", f.Name, err)
			}
			r[f.Name] = v
		}
		return r, nil
	}
	for _, n := range names {
		col, err := ColumnByName(rec, n)
		if err != nil {
			return nil, err
		}
		v, err := ValueAt(col, i)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", n, err)
		}
		r[n] = v
	}
	return r, nil
}

// AppendValue appends a Record value to a builder of the matching kind. A nil
// value appends a null.
func AppendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.Int64Builder:
		n, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("want int, got %T", v)
		}
		bb.Append(n)
	case *array.TimestampBuilder:
		n, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("want timestamp, got %T", v)
		}
		bb.Append(arrow.Timestamp(n))
	case *array.Float64Builder:
		f, ok := ToFloat64(v)
		if !ok {
			return fmt.Errorf("want float, got %T", v)
		}
		bb.Append(f)
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		bb.Append(s)
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("want bool, got %T", v)
		}
		bb.Append(x)
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

// ToFloat64 converts an int64 or float64 Record value.
func ToFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	}
	return 0, false
}

// FormatValue renders a Record value for hive path segments and shard keys.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}

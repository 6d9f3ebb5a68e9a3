// Package table holds the tabular model shared by every stage: column
// descriptors, Arrow record helpers, the Go-native Frame used by the frame
// strategy, the Stream iterator and an explicit global Sort stage.
package table

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
)

// NanosPerDay is the number of nanoseconds in a civil day.
const NanosPerDay int64 = 86_400_000_000_000

// Sentinel is the default "field not set" marker in tick data.
const Sentinel int64 = math.MaxInt64

// Kind is the semantic type of a column.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindTimestamp // int64 nanoseconds
	KindCategory  // string
	KindBool
)

var kindNames = map[Kind]string{
	KindInt:       "int",
	KindFloat:     "float",
	KindTimestamp: "timestamp",
	KindCategory:  "category",
	KindBool:      "bool",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "invalid"
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown column kind %q", s)
}

// TimestampType is the Arrow type of KindTimestamp columns.
var TimestampType = &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}

// DataType returns the Arrow type produced for k.
func (k Kind) DataType() arrow.DataType {
	switch k {
	case KindInt:
		return arrow.PrimitiveTypes.Int64
	case KindFloat:
		return arrow.PrimitiveTypes.Float64
	case KindTimestamp:
		return TimestampType
	case KindCategory:
		return arrow.BinaryTypes.String
	case KindBool:
		return arrow.FixedWidthTypes.Boolean
	}
	return arrow.Null
}

// KindOf classifies an Arrow type. Narrower integer and float widths map to
// KindInt and KindFloat; dictionaries are classified by their value type.
func KindOf(dt arrow.DataType) (Kind, bool) {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return KindInt, true
	case arrow.FLOAT32, arrow.FLOAT64:
		return KindFloat, true
	case arrow.TIMESTAMP:
		return KindTimestamp, true
	case arrow.STRING, arrow.LARGE_STRING, arrow.BINARY:
		return KindCategory, true
	case arrow.BOOL:
		return KindBool, true
	case arrow.DICTIONARY:
		return KindOf(dt.(*arrow.DictionaryType).ValueType)
	}
	return KindInvalid, false
}

// Column describes one column of a tabular stream.
type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Field converts c to an Arrow field.
func (c Column) Field() arrow.Field {
	return arrow.Field{Name: c.Name, Type: c.Kind.DataType(), Nullable: c.Nullable}
}

// ColumnOf converts an Arrow field to a Column.
func ColumnOf(f arrow.Field) (Column, error) {
	k, ok := KindOf(f.Type)
	if !ok {
		return Column{}, fmt.Errorf("column %q: unsupported type %s", f.Name, f.Type)
	}
	return Column{Name: f.Name, Kind: k, Nullable: f.Nullable}, nil
}

// Columns lists the descriptors of a schema, skipping unsupported types.
func Columns(s *arrow.Schema) []Column {
	out := make([]Column, 0, s.NumFields())
	for _, f := range s.Fields() {
		if c, err := ColumnOf(f); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// FieldIndex returns the index of the named field or -1.
func FieldIndex(s *arrow.Schema, name string) int {
	if idx := s.FieldIndices(name); len(idx) > 0 {
		return idx[0]
	}
	return -1
}

// ColumnByName returns the named column of rec.
func ColumnByName(rec arrow.Record, name string) (arrow.Array, error) {
	i := FieldIndex(rec.Schema(), name)
	if i < 0 {
		return nil, fmt.Errorf("column %q not found", name)
	}
	return rec.Column(i), nil
}

// TimestampFactor returns the multiplier that converts values of a timestamp
// unit to nanoseconds.
func TimestampFactor(u arrow.TimeUnit) int64 {
	switch u {
	case arrow.Second:
		return 1_000_000_000
	case arrow.Millisecond:
		return 1_000_000
	case arrow.Microsecond:
		return 1_000
	}
	return 1
}

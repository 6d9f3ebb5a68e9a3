package table_test

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"tickpipe/internal/table"
	tt "tickpipe/internal/table/tabletest"
)

func TestTakeRunsAndPermutation(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := tt.Record(t, mem,
		tt.Ints("id", 0, 1, 2, 3, 4, 5),
		tt.Strs("sym", "a", "b", nil, "d", "e", "f"),
	)
	defer rec.Release()

	tests := []struct {
		idx  []int
		want []any
	}{
		{nil, []any{}},
		{[]int{1, 2, 3}, []any{int64(1), int64(2), int64(3)}},
		{[]int{0, 1, 4, 5}, []any{int64(0), int64(1), int64(4), int64(5)}},
		{[]int{5, 0, 3}, []any{int64(5), int64(0), int64(3)}},
	}
	for _, tc := range tests {
		out, err := table.Take(mem, rec, tc.idx)
		require.NoError(t, err)
		rows := tt.Rows(t, out)
		require.Equal(t, tc.want, tt.Column(rows, "id"))
		out.Release()
	}

	out, err := table.Take(mem, rec, []int{2, 4})
	require.NoError(t, err)
	require.Equal(t, []any{nil, "e"}, tt.Column(tt.Rows(t, out), "sym"))
	out.Release()
}

func TestFilterMaskKeepsAll(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := tt.Record(t, mem, tt.Ints("x", 1, 2))
	defer rec.Release()

	out, err := table.FilterMask(mem, rec, []bool{true, true})
	require.NoError(t, err)
	defer out.Release()
	require.Same(t, rec, out)
}

func TestProjectAndWithout(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := tt.Record(t, mem, tt.Ints("a", 1), tt.Floats("b", 2.5), tt.Strs("c", "z"))
	defer rec.Release()

	p, err := table.Project(rec, []string{"c", "a"})
	require.NoError(t, err)
	defer p.Release()
	require.Equal(t, "c", p.ColumnName(0))
	require.Equal(t, "a", p.ColumnName(1))

	w, err := table.Without(rec, []string{"b"})
	require.NoError(t, err)
	defer w.Release()
	require.EqualValues(t, 2, w.NumCols())

	_, err = table.Project(rec, []string{"missing"})
	require.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := tt.Record(t, mem,
		tt.Stamps("ts", 1, nil, 3),
		tt.Floats("px", 1.5, 2.5, nil),
		tt.Strs("side", "B", "S", "B"),
	)
	defer rec.Release()

	f, err := table.FrameFromRecord(rec, []string{"ts", "px", "side"})
	require.NoError(t, err)
	require.Equal(t, 3, f.Len)

	ts, ok := f.Col("ts")
	require.True(t, ok)
	require.True(t, ts.IsNull(1))
	require.Equal(t, int64(3), ts.Ints[2])

	f.Rename("px", "price")
	f.Drop("side")
	require.Equal(t, []string{"ts", "price"}, f.Names())

	px, _ := f.Col("price")
	arr, err := px.Array(mem)
	require.NoError(t, err)
	defer arr.Release()
	require.Equal(t, 1, arr.NullN())

	// Frames copy numeric buffers, so mutating them leaves rec untouched.
	ts.Ints[0] = 99
	rows := tt.Rows(t, rec)
	require.Equal(t, int64(1), rows[0]["ts"])
}

func TestSortStage(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := tt.Schema(tt.Strs("sym"), tt.Ints("seq"))
	s := table.FromRecords(schema,
		tt.Record(t, mem, tt.Strs("sym", "B", "A"), tt.Ints("seq", 1, 2)),
		tt.Record(t, mem, tt.Strs("sym", "A", nil), tt.Ints("seq", 3, 4)),
	)

	sorted, err := table.Sort(context.Background(), mem, s, table.ParseSortKeys([]string{"sym", "-seq"}))
	require.NoError(t, err)
	rows := tt.Drain(t, sorted)
	require.Equal(t, []any{nil, "A", "A", "B"}, tt.Column(rows, "sym"))
	require.Equal(t, []any{int64(4), int64(3), int64(2), int64(1)}, tt.Column(rows, "seq"))
}

func TestSortUnknownColumn(t *testing.T) {
	s := table.FromRecords(tt.Schema(tt.Ints("x")))
	_, err := table.Sort(context.Background(), memory.NewGoAllocator(), s, []table.SortKey{{Column: "y"}})
	require.Error(t, err)
}

func TestKindMapping(t *testing.T) {
	for _, name := range []string{"int", "float", "timestamp", "category", "bool"} {
		k, err := table.ParseKind(name)
		require.NoError(t, err)
		require.Equal(t, name, k.String())
		back, ok := table.KindOf(k.DataType())
		require.True(t, ok)
		require.Equal(t, k, back)
	}
	_, err := table.ParseKind("decimal")
	require.Error(t, err)
}

package transform

import (
	"math"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"tickpipe/internal/config"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/table"
	tt "tickpipe/internal/table/tabletest"
)

var strategies = []string{config.StrategyRow, config.StrategyFrame, config.StrategyColumnar}

const day = table.NanosPerDay

func quotes(t *testing.T, mem memory.Allocator) (*arrow.Schema, []arrow.Record) {
	t.Helper()
	batch := func(ts, bid, ask, side, sym []any) arrow.Record {
		return tt.Record(t, mem,
			tt.Stamps("ts", ts...),
			tt.Floats("bid", bid...),
			tt.Floats("ask", ask...),
			tt.Strs("side", side...),
			tt.Strs("symbol", sym...))
	}
	recs := []arrow.Record{
		batch([]any{0, day / 4, nil}, []any{100.0, 1.5, 7.0}, []any{102.0, 2.5, nil}, []any{"B", "S", nil}, []any{"A", "A", "B"}),
		batch([]any{-day / 4, 3 * day}, []any{10.0, nil}, []any{20.0, 4.0}, []any{"S", "X"}, []any{"B", "C"}),
	}
	return recs[0].Schema(), recs
}

func fullSpec() Spec {
	return Spec{
		&CyclicalTime{Input: "ts", Cos: "ts_cos", Sin: "ts_sin"},
		&Midpoint{Buy: "bid", Sell: "ask", Output: "mid"},
		NewCategory("side", "side_code", map[string]int64{"B": 0, "S": 1}, false, false),
		&Rename{From: "symbol", To: "sym"},
		&Drop{Columns: []string{"ask"}},
	}
}

func runSpec(t *testing.T, spec Spec, opts Options) (*arrow.Schema, []table.Record, int64) {
	t.Helper()
	schema, recs := quotes(t, memory.NewGoAllocator())
	s, err := Transform(table.FromRecords(schema, recs...), spec, opts)
	require.NoError(t, err)
	rows := tt.Drain(t, s)
	skipped, ok := Skipped(s)
	require.True(t, ok)
	return s.Schema(), rows, skipped
}

func TestCyclical(t *testing.T) {
	c, s := Cyclical(0)
	require.InDelta(t, 1, c, 1e-12)
	require.InDelta(t, 0, s, 1e-12)

	c, s = Cyclical(day / 4)
	require.InDelta(t, 0, c, 1e-12)
	require.InDelta(t, 1, s, 1e-12)

	// Negative timestamps wrap onto the same circle.
	c1, s1 := Cyclical(-day / 4)
	c2, s2 := Cyclical(3 * day / 4)
	require.Equal(t, c2, c1)
	require.Equal(t, s2, s1)

	for _, ts := range []int64{1, 12345678901, day - 1, 17 * day / 3, math.MaxInt64 / 2} {
		c, s := Cyclical(ts)
		require.InDelta(t, 1, c*c+s*s, 1e-9, "ts=%d", ts)

		cn, sn := Cyclical(ts + day)
		require.Equal(t, c, cn)
		require.Equal(t, s, sn)
	}
}

func TestMidpoint(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy, func(t *testing.T) {
			_, rows, _ := runSpec(t, Spec{&Midpoint{Buy: "bid", Sell: "ask", Output: "mid"}}, Options{Strategy: strategy})
			require.Equal(t, []any{101.0, 2.0, nil, 15.0, nil}, tt.Column(rows, "mid"))
		})
	}
}

func TestStrategiesAgree(t *testing.T) {
	wantSchema, want, _ := runSpec(t, fullSpec(), Options{Strategy: config.StrategyColumnar})

	var names []string
	for _, f := range wantSchema.Fields() {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"ts", "bid", "side", "sym", "ts_cos", "ts_sin", "mid", "side_code"}, names)
	require.Equal(t, []any{int64(0), int64(1), nil, int64(1), nil}, tt.Column(want, "side_code"))
	require.Equal(t, []any{"A", "A", "B", "B", "C"}, tt.Column(want, "sym"))

	for _, strategy := range []string{config.StrategyRow, config.StrategyFrame} {
		t.Run(strategy, func(t *testing.T) {
			schema, got, _ := runSpec(t, fullSpec(), Options{Strategy: strategy})
			require.True(t, wantSchema.Equal(schema), "schema %s", schema)
			require.Equal(t, want, got)
		})
	}
}

func TestUntouchedColumnsPassThrough(t *testing.T) {
	schema, recs := quotes(t, memory.NewGoAllocator())
	recs[0].Retain()
	defer recs[0].Release()
	s, err := Transform(table.FromRecords(schema, recs...), Spec{&Midpoint{Buy: "bid", Sell: "ask", Output: "mid"}}, Options{})
	require.NoError(t, err)
	defer s.Close()

	out, err := s.Next(t.Context())
	require.NoError(t, err)
	defer out.Release()
	for _, name := range []string{"ts", "bid", "ask", "side", "symbol"} {
		got, err := table.ColumnByName(out, name)
		require.NoError(t, err)
		want, err := table.ColumnByName(recs[0], name)
		require.NoError(t, err)
		require.Same(t, want.Data(), got.Data(), name)
	}
}

func TestCategoryStrict(t *testing.T) {
	strict := Spec{NewCategory("side", "side_code", map[string]int64{"B": 0, "S": 1}, true, false)}
	for _, strategy := range strategies {
		t.Run(strategy, func(t *testing.T) {
			schema, recs := quotes(t, memory.NewGoAllocator())
			s, err := Transform(table.FromRecords(schema, recs...), strict, Options{Strategy: strategy})
			require.NoError(t, err)
			_, err = table.Collect(t.Context(), s)
			require.Error(t, err)
			require.Equal(t, pipeerr.UnknownCategory, pipeerr.KindOf(err))
			require.ErrorIs(t, err, pipeerr.UnknownCategory)
			require.NoError(t, s.Close())
		})
	}
}

func TestSkipAndCount(t *testing.T) {
	strict := Spec{NewCategory("side", "side_code", map[string]int64{"B": 0, "S": 1}, true, false)}
	for _, strategy := range strategies {
		t.Run(strategy, func(t *testing.T) {
			_, rows, skipped := runSpec(t, strict, Options{Strategy: strategy, ErrorPolicy: config.PolicySkipAndCount})
			require.EqualValues(t, 1, skipped)
			require.Len(t, rows, 4)
			require.Equal(t, []any{int64(0), int64(1), nil, int64(1)}, tt.Column(rows, "side_code"))
		})
	}
}

func TestCategoryNormalize(t *testing.T) {
	c := NewCategory("side", "code", map[string]int64{"B": 0}, true, true)
	r := table.Record{"side": "  B "}
	require.NoError(t, c.ApplyRow(r))
	require.Equal(t, int64(0), r["code"])

	c = NewCategory("side", "code", map[string]int64{"B": 0}, true, false)
	require.Error(t, c.ApplyRow(table.Record{"side": "  B "}))
}

func TestParallelWorkersKeepOrder(t *testing.T) {
	_, want, _ := runSpec(t, fullSpec(), Options{})
	for _, strategy := range strategies {
		_, got, _ := runSpec(t, fullSpec(), Options{Strategy: strategy, Workers: 4})
		require.Equal(t, want, got, strategy)
	}
}

func TestParallelCloseEarly(t *testing.T) {
	schema, recs := quotes(t, memory.NewGoAllocator())
	s, err := Transform(table.FromRecords(schema, recs...), fullSpec(), Options{Workers: 3})
	require.NoError(t, err)
	out, err := s.Next(t.Context())
	require.NoError(t, err)
	out.Release()
	require.NoError(t, s.Close())
}

func TestPlanErrors(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
	}{
		{"missing input", Spec{&CyclicalTime{Input: "nope", Cos: "c", Sin: "s"}}},
		{"category on float", Spec{NewCategory("bid", "x", map[string]int64{"a": 1}, true, false)}},
		{"rename collision", Spec{&Rename{From: "bid", To: "ask"}}},
		{"drop missing", Spec{&Drop{Columns: []string{"nope"}}}},
		{"read after drop", Spec{&Drop{Columns: []string{"ask"}}, &Midpoint{Buy: "bid", Sell: "ask", Output: "m"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schema, _ := quotes(t, memory.NewGoAllocator())
			_, err := Transform(table.FromRecords(schema), tc.spec, Options{})
			require.Error(t, err)
			require.Equal(t, pipeerr.ConfigError, pipeerr.KindOf(err))
		})
	}

	schema, _ := quotes(t, memory.NewGoAllocator())
	_, err := Transform(table.FromRecords(schema), nil, Options{Strategy: "vector"})
	require.Equal(t, pipeerr.ConfigError, pipeerr.KindOf(err))
}

func TestRenameThenDerive(t *testing.T) {
	spec := Spec{
		&Rename{From: "ts", To: "time"},
		&CyclicalTime{Input: "time", Cos: "time_cos", Sin: "time_sin"},
	}
	_, want, _ := runSpec(t, spec, Options{Strategy: config.StrategyColumnar})
	require.Equal(t, 1.0, want[0]["time_cos"])
	for _, strategy := range []string{config.StrategyRow, config.StrategyFrame} {
		_, got, _ := runSpec(t, spec, Options{Strategy: strategy})
		require.Equal(t, want, got, strategy)
	}
}

func TestBuild(t *testing.T) {
	spec, err := Build([]config.Step{
		{Kind: "cyclical_time", Options: config.Options{"input": "ts"}},
		{Kind: "midpoint", Options: config.Options{"buy": "bid", "sell": "ask"}},
		{Kind: "category", Options: config.Options{"input": "side", "table": map[string]any{"B": 0, "S": 1}, "strict": false}},
		{Kind: "rename", Options: config.Options{"from": "symbol", "to": "sym"}},
		{Kind: "drop", Options: config.Options{"columns": []any{"ask"}}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"cyclical_time", "midpoint", "category", "rename", "drop"}, spec.Kinds())
	require.Equal(t, []string{"ts_cos", "ts_sin"}, spec[0].Produces())
	require.Equal(t, []string{"midline"}, spec[1].Produces())
	require.Equal(t, []string{"side"}, spec[2].Produces())
	require.False(t, spec[2].(*Category).Strict)

	_, err = Build([]config.Step{{Kind: "pivot"}})
	require.Equal(t, pipeerr.ConfigError, pipeerr.KindOf(err))
	_, err = Build([]config.Step{{Kind: "category", Options: config.Options{"input": "side"}}})
	require.Equal(t, pipeerr.ConfigError, pipeerr.KindOf(err))
}

package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"tickpipe/internal/config"
	"tickpipe/internal/metrics"
	"tickpipe/internal/objstore"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/session"
	"tickpipe/internal/source"
	"tickpipe/internal/storage/sqlrepo"
	_ "tickpipe/internal/storage/sqlite"
	"tickpipe/internal/table"
	tt "tickpipe/internal/table/tabletest"
)

// writeInput lays out two hive partitions. symbol=A has a sentinel size on
// its second row; symbol=B has an unknown side on its second row.
func writeInput(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "raw")
	mem := memory.NewGoAllocator()
	a := tt.Record(t, mem,
		tt.Stamps("ts", 1, 2, 3),
		tt.Floats("bid_price", 100.0, 101.0, 102.0),
		tt.Floats("ask_price", 102.0, 103.0, 104.0),
		tt.Ints("size", 10, int64(math.MaxInt64), 30),
		tt.Strs("side", "B", "S", "B"),
	)
	defer a.Release()
	b := tt.Record(t, mem,
		tt.Stamps("ts", 4, 5),
		tt.Floats("bid_price", 50.0, 51.0),
		tt.Floats("ask_price", 52.0, 53.0),
		tt.Ints("size", 5, 6),
		tt.Strs("side", "S", "X"),
	)
	defer b.Release()
	tt.WriteParquet(t, filepath.Join(dir, "symbol=A", "part-0.parquet"), a)
	tt.WriteParquet(t, filepath.Join(dir, "symbol=B", "part-0.parquet"), b)
	return dir
}

func ticksPipeline(in, out string) config.Pipeline {
	return config.Pipeline{
		Job: "ticks",
		Source: config.Source{
			Paths:        []string{filepath.Join(in, "**", "*.parquet")},
			Partitioning: []string{"symbol"},
		},
		Filter: []config.Step{{Kind: "not_sentinel", Options: config.Options{"column": "size"}}},
		Transform: []config.Step{
			{Kind: "midpoint", Options: config.Options{"buy": "bid_price", "sell": "ask_price", "output": "mid"}},
			{Kind: "category", Options: config.Options{"input": "side", "output": "side_code", "table": map[string]any{"B": 0, "S": 1}}},
		},
		Sink: config.Sink{Destination: out, PartitionKeys: []string{"symbol"}},
		Runtime: config.RuntimeConfig{
			ErrorPolicy: config.PolicySkipAndCount,
			Workers:     2,
		},
	}
}

func run(ctx context.Context, t *testing.T, p config.Pipeline) (*Result, error) {
	t.Helper()
	sess, err := session.Open(ctx, p, config.Env{})
	require.NoError(t, err)
	defer sess.Close()
	return Run(ctx, p, sess)
}

func readBack(t *testing.T, dir string) []table.Record {
	t.Helper()
	s, err := source.Read(context.Background(), objstore.Local{}, []string{filepath.Join(dir, "**", "*.parquet")},
		source.Options{Partitioning: []string{"symbol"}})
	require.NoError(t, err)
	rows := tt.Drain(t, s)
	sort.Slice(rows, func(i, j int) bool { return rows[i]["ts"].(int64) < rows[j]["ts"].(int64) })
	return rows
}

func parquetFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(path, ".parquet") {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func TestRunSingle(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	res, err := run(context.Background(), t, ticksPipeline(writeInput(t), out))
	require.NoError(t, err)

	rep := res.Report
	require.Equal(t, int64(5), res.RowsRead)
	require.Equal(t, int64(4), res.RowsKept)
	require.Equal(t, int64(1), res.RowsSkipped)
	require.Equal(t, int64(1), rep.Skipped)
	require.Equal(t, int64(3), rep.TotalRows)
	require.Equal(t, 2, rep.FileCount())
	require.Equal(t, map[string]int64{"symbol=A": 2, "symbol=B": 1}, rep.RowsPerPartition)
	require.Equal(t, 1, res.Shards)

	rows := readBack(t, out)
	require.Len(t, rows, 3)
	require.Equal(t, []any{int64(1), int64(3), int64(4)}, tt.Column(rows, "ts"))
	require.Equal(t, []any{101.0, 103.0, 51.0}, tt.Column(rows, "mid"))
	require.Equal(t, []any{int64(0), int64(0), int64(1)}, tt.Column(rows, "side_code"))
	require.Equal(t, []any{"A", "A", "B"}, tt.Column(rows, "symbol"))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".staging"), "staging dir left behind: %s", e.Name())
	}
}

func TestStrategiesWriteSameRows(t *testing.T) {
	in := writeInput(t)
	var want []table.Record
	for _, strategy := range []string{config.StrategyColumnar, config.StrategyFrame, config.StrategyRow} {
		out := filepath.Join(t.TempDir(), strategy)
		p := ticksPipeline(in, out)
		p.Runtime.Strategy = strategy
		_, err := run(context.Background(), t, p)
		require.NoError(t, err, strategy)
		rows := readBack(t, out)
		if want == nil {
			want = rows
			continue
		}
		require.Equal(t, want, rows, strategy)
	}
}

func TestRunDistributedFileShards(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p := ticksPipeline(writeInput(t), out)
	p.Runtime.Mode = config.ModeDistributed

	res, err := run(context.Background(), t, p)
	require.NoError(t, err)
	require.Equal(t, 2, res.Shards)
	require.Equal(t, int64(3), res.Report.TotalRows)
	require.Equal(t, int64(1), res.Report.Skipped)

	shards := map[int]bool{}
	for _, f := range res.Report.Files {
		shards[f.Shard] = true
	}
	require.Equal(t, map[int]bool{0: true, 1: true}, shards)
	require.Len(t, readBack(t, out), 3)
}

func TestRunDistributedKeyShards(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p := ticksPipeline(writeInput(t), out)
	p.Runtime.Mode = config.ModeDistributed
	p.Runtime.Shards = 3

	res, err := run(context.Background(), t, p)
	require.NoError(t, err)
	require.Equal(t, 3, res.Shards)
	require.Equal(t, int64(3), res.Report.TotalRows)
	require.Equal(t, map[string]int64{"symbol=A": 2, "symbol=B": 1}, res.Report.RowsPerPartition)
	// Every shard reads every file, so the reader sees each row once per shard.
	require.Equal(t, int64(15), res.RowsRead)

	// Equal keys land in one shard, so each partition has exactly one file.
	require.Equal(t, 2, res.Report.FileCount())
}

func TestKeyShardsNeedSourceKey(t *testing.T) {
	p := ticksPipeline(writeInput(t), filepath.Join(t.TempDir(), "out"))
	p.Runtime.Mode = config.ModeDistributed
	p.Runtime.Shards = 2
	p.Sink.PartitionKeys = []string{"side_code"}

	_, err := run(context.Background(), t, p)
	require.ErrorIs(t, err, pipeerr.ConfigError)
}

func TestFailFastUnknownCategory(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p := ticksPipeline(writeInput(t), out)
	p.Runtime.ErrorPolicy = config.PolicyFailFast

	res, err := run(context.Background(), t, p)
	require.Nil(t, res)
	require.ErrorIs(t, err, pipeerr.UnknownCategory)
	require.Empty(t, parquetFiles(t, out))
}

func TestDistributedFailureCommitsNothing(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p := ticksPipeline(writeInput(t), out)
	p.Runtime.Mode = config.ModeDistributed
	p.Runtime.ErrorPolicy = config.PolicyFailFast

	res, err := run(context.Background(), t, p)
	require.Nil(t, res)
	require.ErrorIs(t, err, pipeerr.UnknownCategory)
	require.Empty(t, parquetFiles(t, out))
}

func TestPartitionExplosion(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p := ticksPipeline(writeInput(t), out)
	p.Sink.PartitionKeys = []string{"ts"}
	p.Sink.MaxPartitions = 2

	_, err := run(context.Background(), t, p)
	require.ErrorIs(t, err, pipeerr.PartitionExplosion)
	require.Empty(t, parquetFiles(t, out))
}

func TestSourceNotFound(t *testing.T) {
	p := ticksPipeline(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "out"))
	_, err := run(context.Background(), t, p)
	require.ErrorIs(t, err, pipeerr.SourceNotFound)
}

func TestInvalidConfig(t *testing.T) {
	p := ticksPipeline(writeInput(t), filepath.Join(t.TempDir(), "out"))
	p.Job = ""
	p.Sink.Compression = "lzo"
	_, err := run(context.Background(), t, p)
	require.ErrorIs(t, err, pipeerr.ConfigError)
}

func TestUnknownPartitionKeyIsConfigError(t *testing.T) {
	for name, mutate := range map[string]func(*config.Pipeline){
		"absent":  func(p *config.Pipeline) { p.Sink.PartitionKeys = []string{"venue"} },
		"dropped": func(p *config.Pipeline) {
			p.Transform = append(p.Transform, config.Step{Kind: "drop", Options: config.Options{"columns": []any{"side_code"}}})
			p.Sink.PartitionKeys = []string{"side_code"}
		},
	} {
		t.Run(name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "out")
			p := ticksPipeline(writeInput(t), out)
			mutate(&p)

			res, err := run(context.Background(), t, p)
			require.Nil(t, res)
			require.ErrorIs(t, err, pipeerr.ConfigError)
			require.Contains(t, err.Error(), "sink.partition_keys[0]")
			require.Empty(t, parquetFiles(t, out))
		})
	}
}

func TestCancelledRun(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p := ticksPipeline(writeInput(t), out)
	p.Runtime.Mode = config.ModeDistributed

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := run(ctx, t, p)
	require.Nil(t, res)
	require.Error(t, err)
	require.Empty(t, parquetFiles(t, out))
}

func TestSortBy(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p := ticksPipeline(writeInput(t), out)
	p.Sink.PartitionKeys = nil
	p.Runtime.SortBy = []string{"-ts"}

	res, err := run(context.Background(), t, p)
	require.NoError(t, err)
	require.Equal(t, 1, res.Report.FileCount())

	s, err := source.Read(context.Background(), objstore.Local{}, []string{filepath.Join(out, "*.parquet")}, source.Options{})
	require.NoError(t, err)
	rows := tt.Drain(t, s)
	require.Equal(t, []any{int64(4), int64(3), int64(1)}, tt.Column(rows, "ts"))
}

func TestSortByUnknownColumn(t *testing.T) {
	p := ticksPipeline(writeInput(t), filepath.Join(t.TempDir(), "out"))
	p.Runtime.SortBy = []string{"nope"}
	_, err := run(context.Background(), t, p)
	require.ErrorIs(t, err, pipeerr.ConfigError)
}

func TestLedgerRecordsCommittedFiles(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	p := ticksPipeline(writeInput(t), out)
	p.Ledger = config.Ledger{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db")}
	p.Defaults()

	ctx := context.Background()
	sess, err := session.Open(ctx, p, config.Env{})
	require.NoError(t, err)
	defer sess.Close()

	res, err := Run(ctx, p, sess)
	require.NoError(t, err)

	db := sess.Ledger().Repo.(*sqlrepo.Repository).DB
	var files, rows, skipped int64
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(row_count), MAX(skipped_rows) FROM tickpipe_runs WHERE run_id = ?`, res.Report.RunID).
		Scan(&files, &rows, &skipped)
	require.NoError(t, err)
	require.Equal(t, int64(2), files)
	require.Equal(t, int64(3), rows)
	require.Equal(t, int64(1), skipped)
}

type fakeBackend struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (f *fakeBackend) IncCounter(name string, v float64, l metrics.Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[name+"/"+l["kind"]+l["step"]+l["status"]] += v
}
func (f *fakeBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (f *fakeBackend) Flush() error                                      { return nil }

func TestMetricsRecorded(t *testing.T) {
	fb := &fakeBackend{counters: map[string]float64{}}
	metrics.SetBackend(fb)
	t.Cleanup(func() { metrics.SetBackend(metrics.Nop()) })

	_, err := run(context.Background(), t, ticksPipeline(writeInput(t), filepath.Join(t.TempDir(), "out")))
	require.NoError(t, err)

	require.Equal(t, 5.0, fb.counters[metrics.RowsTotal+"/"+metrics.RowsRead])
	require.Equal(t, 3.0, fb.counters[metrics.RowsTotal+"/"+metrics.RowsWritten])
	require.Equal(t, 1.0, fb.counters[metrics.RowsTotal+"/"+metrics.RowsSkipped])
	require.Equal(t, 2.0, fb.counters[metrics.FilesTotal+"/"])
	require.Equal(t, 1.0, fb.counters[metrics.StepTotal+"/runsuccess"])
	require.Equal(t, 1.0, fb.counters[metrics.StepTotal+"/commitsuccess"])
}

package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"tickpipe/internal/pipeerr"
)

// -----------------------------------------------------------------------------
// Decoding tests
// -----------------------------------------------------------------------------

const sampleYAML = `
job: ticks_daily
source:
  paths: ["data/raw/**/*.parquet"]
  partitioning: [symbol]
filter:
  - kind: not_sentinel
    options: {column: bid_price}
transform:
  - kind: cyclical_time
    options: {input: ts, prefix: tod}
  - kind: midpoint
    options: {buy: bid_price, sell: ask_price}
  - kind: category
    options: {input: side, output: side_code, table: {B: 0, S: 1}, strict: true}
sink:
  destination: out/ticks
  partition_keys: [symbol]
runtime:
  strategy: frame
  transform_workers: 2
`

const sampleJSON = `{
  "job": "ticks_daily",
  "source": {"paths": ["data/raw/**/*.parquet"], "partitioning": ["symbol"]},
  "filter": [{"kind": "not_sentinel", "options": {"column": "bid_price", "sentinel": "9223372036854775807"}}],
  "transform": [
    {"kind": "category", "options": {"input": "side", "table": {"B": 0, "S": 1}}},
    {"kind": "drop"}
  ],
  "sink": {"destination": "out/ticks", "partition_keys": ["symbol"]},
  "runtime": {"strategy": "row"}
}`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	p, err := Decode([]byte(sampleYAML), ".yaml")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Job != "ticks_daily" || p.Source.Partitioning[0] != "symbol" {
		t.Fatalf("unexpected pipeline: %+v", p)
	}
	if len(p.Transform) != 3 {
		t.Fatalf("len(Transform) = %d, want 3", len(p.Transform))
	}
	tbl := p.Transform[2].Options.Int64Map("table")
	if tbl["B"] != 0 || tbl["S"] != 1 || len(tbl) != 2 {
		t.Fatalf("category table = %v", tbl)
	}
	if !p.Transform[2].Options.Bool("strict", false) {
		t.Fatalf("strict not decoded")
	}
	if p.Runtime.TransformWorkers != 2 || p.Runtime.Strategy != StrategyFrame {
		t.Fatalf("runtime = %+v", p.Runtime)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	p, err := Decode([]byte(sampleJSON), ".json")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := p.Filter[0].Options.Int64("sentinel", 0); got != math.MaxInt64 {
		t.Fatalf("sentinel = %d, want MaxInt64", got)
	}
	if tbl := p.Transform[0].Options.Int64Map("table"); tbl["S"] != 1 {
		t.Fatalf("table = %v", tbl)
	}
	// Missing options decode to an empty, usable map.
	if p.Transform[1].Options == nil {
		t.Fatalf("drop options should be non-nil")
	}
}

func TestDecodeRejectsCredentials(t *testing.T) {
	t.Parallel()

	const js = `{"job":"x","source":{"paths":["s3://b/k/*.parquet"],"s3":{"secret_access_key":"abc"}}}`
	_, err := Decode([]byte(js), ".json")
	if !errors.Is(err, pipeerr.ConfigError) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.yml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Sink.Destination != "out/ticks" {
		t.Fatalf("destination = %q", p.Sink.Destination)
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); !errors.Is(err, pipeerr.ConfigError) {
		t.Fatalf("missing file err = %v, want ConfigError", err)
	}
}

// -----------------------------------------------------------------------------
// Defaults and environment
// -----------------------------------------------------------------------------

func TestDefaults(t *testing.T) {
	t.Parallel()

	var p Pipeline
	p.Ledger.Kind = "sqlite"
	p.Defaults()

	if p.Source.Kind != SourceParquet || p.Sink.Compression != "zstd" || p.Sink.MaxPartitions != 500 {
		t.Fatalf("source/sink defaults not applied: %+v %+v", p.Source, p.Sink)
	}
	if p.Runtime.Mode != ModeSingle || p.Runtime.Strategy != StrategyColumnar || p.Runtime.ErrorPolicy != PolicyFailFast {
		t.Fatalf("runtime defaults not applied: %+v", p.Runtime)
	}
	if p.Runtime.Workers <= 0 || p.Runtime.TransformWorkers != 1 {
		t.Fatalf("worker defaults: %+v", p.Runtime)
	}
	if p.Ledger.Table != DefaultLedgerTable {
		t.Fatalf("ledger table = %q", p.Ledger.Table)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TICKPIPE_BATCH_SIZE", "1024")
	t.Setenv("TICKPIPE_MAX_PARTITIONS", "20")
	t.Setenv("TICKPIPE_COMPRESSION", "snappy")
	t.Setenv("TICKPIPE_LEDGER_DSN", "file:runs.db")
	t.Setenv("TICKPIPE_S3_USE_SSL", "false")

	e, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if e.S3UseSSL || e.S3Region != "us-east-1" {
		t.Fatalf("env = %+v", e)
	}
	if e.HasS3() {
		t.Fatalf("HasS3 should be false without keys")
	}

	p := Pipeline{Runtime: RuntimeConfig{BatchSize: 10, Workers: 3}}
	p.ApplyEnv(e)
	if p.Runtime.BatchSize != 1024 || p.Runtime.Workers != 3 {
		t.Fatalf("runtime = %+v", p.Runtime)
	}
	if p.Sink.MaxPartitions != 20 || p.Sink.Compression != "snappy" || p.Ledger.DSN != "file:runs.db" {
		t.Fatalf("sink/ledger = %+v %+v", p.Sink, p.Ledger)
	}
}

func TestOptionsNumericCoercion(t *testing.T) {
	t.Parallel()

	o := Options{"a": float64(3), "b": 4, "c": "5", "d": "x", "big": float64(1e19)}
	if o.Int("a", 0) != 3 || o.Int("b", 0) != 4 || o.Int64("c", 0) != 5 {
		t.Fatalf("numeric getters failed: %v", o)
	}
	if o.Int("d", 7) != 7 || o.Int("missing", 8) != 8 {
		t.Fatalf("defaults not honored")
	}
	if o.Int64("big", 0) != math.MaxInt64 {
		t.Fatalf("large float should clamp to MaxInt64")
	}
}

// Package config defines the pipeline configuration model.
//
// A pipeline file is JSON or YAML (see Load) and mirrors the four stages of a
// run: source, filter, transform and sink, plus runtime knobs and an optional
// run ledger. Stage-specific settings live in free-form Options bags that the
// owning package interprets.
//
// Example (trimmed):
//
//	job: ticks_daily
//	source:    { kind: parquet, paths: ["data/raw/**/*.parquet"], partitioning: [symbol] }
//	filter:    [ { kind: not_sentinel, options: { column: bid_price } } ]
//	transform: [ { kind: midpoint, options: { buy: bid_price, sell: ask_price } } ]
//	sink:      { destination: out/ticks, partition_keys: [symbol], compression: zstd }
//
// Credentials never appear here; they come from the environment (see Env).
package config

import (
	"encoding/json"
	"math"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	SourceParquet = "parquet"
	SourceDuckDB  = "duckdb"
)

// Runtime modes, strategies and error policies.
const (
	ModeSingle      = "single"
	ModeDistributed = "distributed"

	StrategyRow      = "row"
	StrategyFrame    = "frame"
	StrategyColumnar = "columnar"

	PolicyFailFast     = "fail_fast"
	PolicySkipAndCount = "skip_and_count"
)

// Defaults applied by (*Pipeline).Defaults.
const (
	DefaultCompression   = "zstd"
	DefaultMaxPartitions = 500
	DefaultBatchSize     = 64 * 1024
	DefaultLedgerTable   = "tickpipe_runs"
	DefaultSentinel      = int64(math.MaxInt64)
)

// Pipeline is the top-level object decoded from a pipeline file.
type Pipeline struct {
	// Job names the pipeline for logs, metrics and the run ledger.
	Job string `json:"job" yaml:"job"`

	Source Source `json:"source" yaml:"source"`

	// Filter predicates are combined with AND.
	Filter []Step `json:"filter" yaml:"filter"`

	// Transform is the ordered derivation spec.
	Transform []Step `json:"transform" yaml:"transform"`

	Sink    Sink          `json:"sink" yaml:"sink"`
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
	Ledger  Ledger        `json:"ledger" yaml:"ledger"`
}

// Source describes the input file set.
type Source struct {
	// Kind selects the reader: "parquet" (default) or "duckdb".
	Kind string `json:"kind" yaml:"kind"`

	// Paths are local or s3:// glob patterns; "**" crosses directories.
	Paths []string `json:"paths" yaml:"paths"`

	// Partitioning lists hive keys read from key=value path segments.
	Partitioning []string `json:"partitioning" yaml:"partitioning"`

	// Columns optionally projects the file columns to read.
	Columns []string `json:"columns" yaml:"columns"`

	// Schema optionally declares column descriptors. When present it is used
	// to type partition columns and to check partition keys up front.
	Schema []ColumnSpec `json:"schema" yaml:"schema"`
}

// ColumnSpec declares one column: kind is int, float, timestamp, category or bool.
type ColumnSpec struct {
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"`
	Nullable bool   `json:"nullable" yaml:"nullable"`
}

// Step is one filter predicate or transform derivation.
type Step struct {
	Kind    string  `json:"kind" yaml:"kind"`
	Options Options `json:"options" yaml:"options"`
}

// Sink describes the partitioned output.
type Sink struct {
	// Destination is a local directory or s3://bucket/prefix.
	Destination   string   `json:"destination" yaml:"destination"`
	PartitionKeys []string `json:"partition_keys" yaml:"partition_keys"`
	Compression   string   `json:"compression" yaml:"compression"`
	MaxPartitions int      `json:"max_partitions" yaml:"max_partitions"`
}

// RuntimeConfig controls execution mode, batching and concurrency.
type RuntimeConfig struct {
	Mode        string `json:"mode" yaml:"mode"`
	Strategy    string `json:"strategy" yaml:"strategy"`
	ErrorPolicy string `json:"error_policy" yaml:"error_policy"`
	BatchSize   int    `json:"batch_size" yaml:"batch_size"`

	// TransformWorkers > 1 transforms independent batches in parallel.
	TransformWorkers int `json:"transform_workers" yaml:"transform_workers"`

	// Workers sizes the shard pool in distributed mode.
	Workers int `json:"workers" yaml:"workers"`

	// Shards is 0 for one shard per file, otherwise the number of key-hash shards.
	Shards int `json:"shards" yaml:"shards"`

	// SortBy adds an explicit global sort stage; prefix a column with "-" for descending.
	SortBy []string `json:"sort_by" yaml:"sort_by"`
}

// Ledger selects where committed runs are recorded. An empty Kind disables it.
type Ledger struct {
	Kind  string `json:"kind" yaml:"kind"`
	DSN   string `json:"dsn" yaml:"dsn"`
	Table string `json:"table" yaml:"table"`
}

// Defaults fills zero values with their documented defaults.
func (p *Pipeline) Defaults() {
	if p.Source.Kind == "" {
		p.Source.Kind = SourceParquet
	}
	if p.Sink.Compression == "" {
		p.Sink.Compression = DefaultCompression
	}
	if p.Sink.MaxPartitions == 0 {
		p.Sink.MaxPartitions = DefaultMaxPartitions
	}
	rt := &p.Runtime
	if rt.Mode == "" {
		rt.Mode = ModeSingle
	}
	if rt.Strategy == "" {
		rt.Strategy = StrategyColumnar
	}
	if rt.ErrorPolicy == "" {
		rt.ErrorPolicy = PolicyFailFast
	}
	if rt.BatchSize == 0 {
		rt.BatchSize = DefaultBatchSize
	}
	if rt.TransformWorkers == 0 {
		rt.TransformWorkers = 1
	}
	if rt.Workers == 0 {
		rt.Workers = runtime.NumCPU()
	}
	if p.Ledger.Kind != "" && p.Ledger.Table == "" {
		p.Ledger.Table = DefaultLedgerTable
	}
}

// Options fetches typed values from a decoded JSON or YAML map. Numbers arrive
// as float64 from JSON and as int from YAML; the numeric getters accept both.
// Missing keys and unexpected types yield the provided default.
type Options map[string]any

// String returns the string value for key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def.
func (o Options) Int(key string, def int) int {
	if n, ok := toInt64(o[key]); ok {
		return int(n)
	}
	return def
}

// Int64 returns the int64 value for key or def. Numeric strings are parsed so
// that values beyond float64 precision (such as the MaxInt64 sentinel) can be
// written exactly in JSON.
func (o Options) Int64(key string, def int64) int64 {
	if n, ok := toInt64(o[key]); ok {
		return n
	}
	return def
}

// StringSlice returns a []string for key, or nil.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// Int64Map returns an object of integer values as map[string]int64. Entries
// with non-integer values are skipped.
func (o Options) Int64Map(key string) map[string]int64 {
	res := map[string]int64{}
	m, ok := o[key].(map[string]any)
	if !ok {
		return res
	}
	for k, v := range m {
		if n, ok := toInt64(v); ok {
			res[k] = n
		}
	}
	return res
}

// Any returns the raw value for key.
func (o Options) Any(key string) any {
	return o[key]
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(n), true
	case float64:
		if n >= math.MaxInt64 {
			return math.MaxInt64, true
		}
		if n <= math.MinInt64 {
			return math.MinInt64, true
		}
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// UnmarshalJSON decodes a missing or null options object as an empty map.
func (o *Options) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON.
func (o *Options) UnmarshalYAML(n *yaml.Node) error {
	var tmp map[string]any
	if err := n.Decode(&tmp); err != nil {
		return err
	}
	if tmp == nil {
		tmp = map[string]any{}
	}
	*o = Options(tmp)
	return nil
}
